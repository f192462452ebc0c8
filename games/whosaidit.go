package games

// Each player joins a room by code and is prompted for a display name
// Everyone receives the same question, and submits an answer anonymously
// Once all answers are in, they are shuffled and shown to everyone by number only
// Players then guess which player wrote each answer (never their own)
// A player cannot accuse the same person of writing two different answers;
// moving an accusation frees up the answer it previously sat on
// When everyone has a guess on every answer they can vote on, authorship is
// revealed and each correct guess is worth 10 points
// Scores carry across rounds; once someone reaches the win threshold the host
// can end the game from the results screen, or keep playing

// Display formats:
// One shared question banner, then a free-text answer box
// During voting, numbered answer cards with a player picker on each

// Implementation details:
// - One websocket per room: /whosaidit/:roomcode/ws
// - One goroutine per room owns all state; clients only enqueue intents
// - Identify players by cookie on first connection, re-attach by cookie or name
// - First player in becomes host; host transfers to the next-joined on departure

// How to play
// - Share the room URL (or its QR code) with everyone
// - Host starts once at least two players are in
// - Answer, vote, argue, repeat
