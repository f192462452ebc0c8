package main

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testConfig() *Config {
	return &Config{
		maxAnswerLength: 280,
		minPlayers:      2,
		playerTimeout:   5 * time.Millisecond,
		winScore:        50,
	}
}

func newTestHub(t *testing.T, cfg *Config) *Hub {
	t.Helper()

	h := newHub("ABCD", cfg.winScore, []string{
		"What would you do with a free afternoon?",
		"What is your most useless talent?",
		"What food do you refuse to share?",
	}, nil)
	go h.run(cfg)
	t.Cleanup(h.close)

	return h
}

func join(t *testing.T, h *Hub, name string) *Client {
	t.Helper()

	c := &Client{
		send:     make(chan any, 64),
		playerID: uuid.NewString(),
		name:     name,
	}
	h.register <- c

	return c
}

func sendIntent(h *Hub, c *Client, msgType, payload string) {
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	h.intents <- intentRequest{client: c, msg: ClientMessage{Type: msgType, Payload: raw}}
}

// nextState drains c.send until the next GAME_STATE snapshot arrives.
func nextState(t *testing.T, c *Client) GameStateView {
	t.Helper()

	timeout := time.After(time.Second)
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				t.Fatalf("send channel closed while waiting for game state")
			}
			msg, isMsg := raw.(Message)
			if !isMsg || msg.Type != "GAME_STATE" {
				continue
			}
			return msg.Payload.(GameStateView)
		case <-timeout:
			t.Fatalf("timed out waiting for game state")
			return GameStateView{}
		}
	}
}

// nextError drains c.send until the next ERROR arrives. Snapshots broadcast
// in response to other clients' messages may still be queued, so those are
// skipped rather than treated as failures.
func nextError(t *testing.T, c *Client) ErrorPayload {
	t.Helper()

	timeout := time.After(time.Second)
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				t.Fatalf("send channel closed while waiting for error")
			}
			msg, isMsg := raw.(Message)
			if !isMsg {
				t.Fatalf("unexpected message %#v", raw)
			}
			if msg.Type != "ERROR" {
				continue
			}
			return msg.Payload.(ErrorPayload)
		case <-timeout:
			t.Fatalf("timed out waiting for error")
			return ErrorPayload{}
		}
	}
}

// startGame joins the named players, has the first (host) start the game, and
// drains every client up to the initial ANSWERING snapshot.
func startGame(t *testing.T, h *Hub, names ...string) []*Client {
	t.Helper()

	clients := make([]*Client, 0, len(names))
	for _, name := range names {
		clients = append(clients, join(t, h, name))
	}

	sendIntent(h, clients[0], "START_GAME", "")

	for _, c := range clients {
		for {
			st := nextState(t, c)
			if st.Phase == PhaseAnswering {
				break
			}
		}
	}

	return clients
}

// submitAllAnswers sends one distinct answer per client and drains every
// client up to the VOTING snapshot, which is returned per client.
func submitAllAnswers(t *testing.T, h *Hub, clients []*Client) map[*Client]GameStateView {
	t.Helper()

	for i, c := range clients {
		sendIntent(h, c, "SUBMIT_ANSWER", fmt.Sprintf("%q", fmt.Sprintf("A%d", i+1)))
	}

	views := make(map[*Client]GameStateView, len(clients))
	for _, c := range clients {
		for {
			st := nextState(t, c)
			if st.Phase == PhaseVoting {
				views[c] = st
				break
			}
		}
	}

	return views
}

// authorMap reads the authoritative display id for each author. Only called
// once the hub is quiescent (every broadcast from the last event has been
// received), so the run goroutine is parked in its select.
func authorMap(h *Hub) map[string]int {
	m := make(map[string]int, len(h.shuffled))
	for _, a := range h.shuffled {
		m[a.RealID] = a.ID
	}
	return m
}

func guessPayload(answerID int, playerID string) string {
	return fmt.Sprintf(`{"answerId": %d, "guessedPlayerId": %q}`, answerID, playerID)
}

func TestJoinAssignsHostAndBroadcasts(t *testing.T) {
	cfg := testConfig()
	h := newTestHub(t, cfg)

	alice := join(t, h, "alice")
	st := nextState(t, alice)
	if st.Phase != PhaseLobby {
		t.Fatalf("expected LOBBY, got %s", st.Phase)
	}
	if len(st.Players) != 1 || !st.Players[0].IsHost {
		t.Fatalf("expected a single host player, got %+v", st.Players)
	}
	if st.You != alice.playerID {
		t.Fatalf("snapshot you = %q, want %q", st.You, alice.playerID)
	}

	bob := join(t, h, "bob")
	st = nextState(t, bob)
	if len(st.Players) != 2 {
		t.Fatalf("expected 2 players, got %d", len(st.Players))
	}
	hosts := 0
	for _, p := range st.Players {
		if p.IsHost {
			hosts++
		}
	}
	if hosts != 1 {
		t.Fatalf("expected exactly one host, found %d", hosts)
	}
}

func TestDuplicateLiveNameRejected(t *testing.T) {
	cfg := testConfig()
	h := newTestHub(t, cfg)

	alice := join(t, h, "alice")
	nextState(t, alice)

	impostor := join(t, h, "ALICE")
	if e := nextError(t, impostor); e.Code != "NAME_TAKEN" {
		t.Fatalf("expected NAME_TAKEN, got %q", e.Code)
	}
}

func TestJoinRejectedMidGame(t *testing.T) {
	cfg := testConfig()
	h := newTestHub(t, cfg)

	startGame(t, h, "alice", "bob")

	late := join(t, h, "carol")
	if e := nextError(t, late); e.Code != "GAME_IN_PROGRESS" {
		t.Fatalf("expected GAME_IN_PROGRESS, got %q", e.Code)
	}
}

func TestStartGameGuards(t *testing.T) {
	cfg := testConfig()
	h := newTestHub(t, cfg)

	alice := join(t, h, "alice")
	nextState(t, alice)

	sendIntent(h, alice, "START_GAME", "")
	if e := nextError(t, alice); e.Code != "NOT_ENOUGH_PLAYERS" {
		t.Fatalf("expected NOT_ENOUGH_PLAYERS, got %q", e.Code)
	}

	bob := join(t, h, "bob")
	nextState(t, bob)

	sendIntent(h, bob, "START_GAME", "")
	if e := nextError(t, bob); e.Code != "NOT_HOST" {
		t.Fatalf("expected NOT_HOST, got %q", e.Code)
	}

	sendIntent(h, alice, "START_GAME", "")
	var st GameStateView
	for {
		st = nextState(t, alice)
		if st.Phase == PhaseAnswering {
			break
		}
	}
	if st.Round != 1 {
		t.Fatalf("expected round 1, got %d", st.Round)
	}
	if st.Question == "" {
		t.Fatalf("expected a question to be dealt")
	}
}

func TestGuessRejectedInLobbyWithoutMutation(t *testing.T) {
	cfg := testConfig()
	h := newTestHub(t, cfg)

	alice := join(t, h, "alice")
	before := nextState(t, alice)

	sendIntent(h, alice, "SUBMIT_GUESS", guessPayload(0, "nobody"))
	if e := nextError(t, alice); e.Code != "WRONG_PHASE" {
		t.Fatalf("expected WRONG_PHASE, got %q", e.Code)
	}

	// The next snapshot (triggered by a join) must show untouched state.
	bob := join(t, h, "bob")
	nextState(t, bob)
	after := nextState(t, alice)
	if after.Phase != before.Phase || after.Round != before.Round || after.AnswersCount != 0 {
		t.Fatalf("rejected guess mutated state: before %+v, after %+v", before, after)
	}
}

func TestAnswerValidationAndIdempotence(t *testing.T) {
	cfg := testConfig()
	cfg.maxAnswerLength = 10
	h := newTestHub(t, cfg)

	clients := startGame(t, h, "alice", "bob", "carol")
	alice, bob := clients[0], clients[1]

	sendIntent(h, alice, "SUBMIT_ANSWER", `"   "`)
	if e := nextError(t, alice); e.Code != "EMPTY_ANSWER" {
		t.Fatalf("expected EMPTY_ANSWER, got %q", e.Code)
	}

	sendIntent(h, alice, "SUBMIT_ANSWER", `"this answer is far too long"`)
	if e := nextError(t, alice); e.Code != "ANSWER_TOO_LONG" {
		t.Fatalf("expected ANSWER_TOO_LONG, got %q", e.Code)
	}

	sendIntent(h, alice, "SUBMIT_ANSWER", `123`)
	if e := nextError(t, alice); e.Code != "BAD_PAYLOAD" {
		t.Fatalf("expected BAD_PAYLOAD, got %q", e.Code)
	}

	sendIntent(h, alice, "SUBMIT_ANSWER", `"mine"`)
	st := nextState(t, alice)
	if st.AnswersCount != 1 {
		t.Fatalf("expected 1 answer, got %d", st.AnswersCount)
	}

	sendIntent(h, alice, "SUBMIT_ANSWER", `"second"`)
	if e := nextError(t, alice); e.Code != "ALREADY_ANSWERED" {
		t.Fatalf("expected ALREADY_ANSWERED, got %q", e.Code)
	}

	// The rejected resubmission must not have counted.
	sendIntent(h, bob, "SUBMIT_ANSWER", `"two"`)
	st = nextState(t, alice)
	if st.AnswersCount != 2 {
		t.Fatalf("expected 2 answers after bob, got %d", st.AnswersCount)
	}
}

func TestAnsweringAdvancesToVotingWithSequentialIDs(t *testing.T) {
	cfg := testConfig()
	h := newTestHub(t, cfg)

	clients := startGame(t, h, "alice", "bob", "carol")
	views := submitAllAnswers(t, h, clients)

	st := views[clients[0]]
	if len(st.Answers) != len(clients) {
		t.Fatalf("expected %d answers, got %d", len(clients), len(st.Answers))
	}

	seen := make(map[int]bool)
	for _, a := range st.Answers {
		if a.RealID != "" {
			t.Fatalf("authorship leaked during VOTING: %+v", a)
		}
		seen[a.ID] = true
	}
	for i := range clients {
		if !seen[i] {
			t.Fatalf("expected display ids 0..%d, missing %d (got %v)", len(clients)-1, i, seen)
		}
	}
}

func TestSelfVoteAndBadTargetsRejected(t *testing.T) {
	cfg := testConfig()
	h := newTestHub(t, cfg)

	clients := startGame(t, h, "alice", "bob")
	submitAllAnswers(t, h, clients)

	alice, bob := clients[0], clients[1]
	authors := authorMap(h)

	sendIntent(h, alice, "SUBMIT_GUESS", guessPayload(authors[alice.playerID], bob.playerID))
	if e := nextError(t, alice); e.Code != "OWN_ANSWER" {
		t.Fatalf("expected OWN_ANSWER, got %q", e.Code)
	}

	sendIntent(h, alice, "SUBMIT_GUESS", guessPayload(99, bob.playerID))
	if e := nextError(t, alice); e.Code != "NO_SUCH_ANSWER" {
		t.Fatalf("expected NO_SUCH_ANSWER, got %q", e.Code)
	}

	sendIntent(h, alice, "SUBMIT_GUESS", guessPayload(authors[bob.playerID], "stranger"))
	if e := nextError(t, alice); e.Code != "NO_SUCH_PLAYER" {
		t.Fatalf("expected NO_SUCH_PLAYER, got %q", e.Code)
	}

	sendIntent(h, alice, "SUBMIT_GUESS", guessPayload(authors[bob.playerID], alice.playerID))
	if e := nextError(t, alice); e.Code != "SELF_GUESS" {
		t.Fatalf("expected SELF_GUESS, got %q", e.Code)
	}

	sendIntent(h, alice, "SUBMIT_GUESS", `{"answerId": "0", "guessedPlayerId": "x"}`)
	if e := nextError(t, alice); e.Code != "BAD_PAYLOAD" {
		t.Fatalf("expected BAD_PAYLOAD for a string answer id, got %q", e.Code)
	}
}

func TestGuessRevisionKeepsAccusationsDistinct(t *testing.T) {
	cfg := testConfig()
	h := newTestHub(t, cfg)

	clients := startGame(t, h, "alice", "bob", "carol")
	submitAllAnswers(t, h, clients)

	alice, bob, carol := clients[0], clients[1], clients[2]
	authors := authorMap(h)

	// Accuse bob of writing bob's answer...
	sendIntent(h, alice, "SUBMIT_GUESS", guessPayload(authors[bob.playerID], bob.playerID))
	nextState(t, alice)

	// ...then move the same accusation onto carol's answer.
	sendIntent(h, alice, "SUBMIT_GUESS", guessPayload(authors[carol.playerID], bob.playerID))
	st := nextState(t, alice)

	own := st.VotedGuesses[alice.playerID]
	if len(own) != 1 {
		t.Fatalf("expected the old slot to be unfilled, got %v", own)
	}
	if own[authors[carol.playerID]] != bob.playerID {
		t.Fatalf("expected accusation to move to answer %d, got %v", authors[carol.playerID], own)
	}

	// Personalization: alice's guesses are invisible to bob during VOTING.
	sendIntent(h, bob, "SUBMIT_GUESS", guessPayload(authors[alice.playerID], alice.playerID))
	for {
		st = nextState(t, bob)
		if len(st.VotedGuesses[bob.playerID]) > 0 {
			break
		}
	}
	if _, leaked := st.VotedGuesses[alice.playerID]; leaked {
		t.Fatalf("another voter's guesses leaked during VOTING: %v", st.VotedGuesses)
	}
}

func TestFullRoundScoringAndNextRound(t *testing.T) {
	cfg := testConfig()
	h := newTestHub(t, cfg)

	clients := startGame(t, h, "alice", "bob", "carol")
	firstQuestion := h.question
	submitAllAnswers(t, h, clients)

	authors := authorMap(h)

	// Everyone names every other author correctly: 2 correct guesses each.
	for _, voter := range clients {
		for _, author := range clients {
			if author == voter {
				continue
			}
			sendIntent(h, voter, "SUBMIT_GUESS", guessPayload(authors[author.playerID], author.playerID))
		}
	}

	alice := clients[0]
	var st GameStateView
	for {
		st = nextState(t, alice)
		if st.Phase == PhaseResults {
			break
		}
	}

	for _, p := range st.Players {
		if p.Score != 2*pointsPerCorrectGuess {
			t.Fatalf("expected %d points for %s, got %d", 2*pointsPerCorrectGuess, p.Name, p.Score)
		}
		if st.RoundScores[p.ID] != 2*pointsPerCorrectGuess {
			t.Fatalf("expected round delta %d for %s, got %d", 2*pointsPerCorrectGuess, p.Name, st.RoundScores[p.ID])
		}
	}

	// Authorship is revealed from RESULTS onward.
	for _, a := range st.Answers {
		if a.RealID == "" {
			t.Fatalf("expected authorship reveal in RESULTS, got %+v", a)
		}
	}
	if len(st.VotedGuesses) != 3 {
		t.Fatalf("expected all guess sets revealed, got %v", st.VotedGuesses)
	}

	// Next round: fresh answers and guesses, new question, round bumped.
	sendIntent(h, alice, "NEXT_ROUND", "")
	st = nextState(t, alice)
	if st.Phase != PhaseAnswering || st.Round != 2 {
		t.Fatalf("expected ANSWERING round 2, got %s round %d", st.Phase, st.Round)
	}
	if st.AnswersCount != 0 || st.Answers != nil || st.VotedGuesses != nil {
		t.Fatalf("expected a clean round, got %+v", st)
	}
	if st.Question == firstQuestion {
		t.Fatalf("expected the deck to advance past %q", firstQuestion)
	}
}

func TestGameOverRequiresThresholdAndResetZeroesScores(t *testing.T) {
	cfg := testConfig()
	cfg.winScore = 10
	h := newTestHub(t, cfg)

	clients := startGame(t, h, "alice", "bob")
	submitAllAnswers(t, h, clients)

	alice, bob := clients[0], clients[1]
	authors := authorMap(h)

	sendIntent(h, alice, "SUBMIT_GUESS", guessPayload(authors[bob.playerID], bob.playerID))
	nextState(t, alice)
	sendIntent(h, bob, "SUBMIT_GUESS", guessPayload(authors[alice.playerID], alice.playerID))

	var st GameStateView
	for {
		st = nextState(t, alice)
		if st.Phase == PhaseResults {
			break
		}
	}

	// Reset is only legal from GAME_OVER.
	sendIntent(h, alice, "RESET_GAME", "")
	if e := nextError(t, alice); e.Code != "WRONG_PHASE" {
		t.Fatalf("expected WRONG_PHASE, got %q", e.Code)
	}

	sendIntent(h, bob, "NEXT_ROUND", "")
	if e := nextError(t, bob); e.Code != "NOT_HOST" {
		t.Fatalf("expected NOT_HOST, got %q", e.Code)
	}

	sendIntent(h, alice, "NEXT_ROUND", "")
	st = nextState(t, alice)
	if st.Phase != PhaseGameOver {
		t.Fatalf("expected GAME_OVER at threshold, got %s", st.Phase)
	}

	sendIntent(h, alice, "RESET_GAME", "")
	st = nextState(t, alice)
	if st.Phase != PhaseLobby || st.Round != 0 {
		t.Fatalf("expected fresh LOBBY, got %s round %d", st.Phase, st.Round)
	}
	for _, p := range st.Players {
		if p.Score != 0 {
			t.Fatalf("expected zeroed scores after reset, got %+v", p)
		}
	}
}

func TestBelowThresholdNextRoundContinues(t *testing.T) {
	cfg := testConfig()
	h := newTestHub(t, cfg)

	clients := startGame(t, h, "alice", "bob")
	submitAllAnswers(t, h, clients)

	alice, bob := clients[0], clients[1]
	authors := authorMap(h)

	sendIntent(h, alice, "SUBMIT_GUESS", guessPayload(authors[bob.playerID], bob.playerID))
	nextState(t, alice)
	sendIntent(h, bob, "SUBMIT_GUESS", guessPayload(authors[alice.playerID], alice.playerID))

	var st GameStateView
	for {
		st = nextState(t, alice)
		if st.Phase == PhaseResults {
			break
		}
	}

	// 10 points each is still below the default threshold of 50.
	sendIntent(h, alice, "NEXT_ROUND", "")
	st = nextState(t, alice)
	if st.Phase != PhaseAnswering || st.Round != 2 {
		t.Fatalf("expected the game to continue, got %s round %d", st.Phase, st.Round)
	}
}

func TestHostTransferAndMidRoundDeparture(t *testing.T) {
	cfg := testConfig()
	h := newTestHub(t, cfg)

	clients := startGame(t, h, "alice", "bob", "carol")
	alice, bob, carol := clients[0], clients[1], clients[2]

	sendIntent(h, bob, "SUBMIT_ANSWER", `"from bob"`)
	nextState(t, bob)
	sendIntent(h, carol, "SUBMIT_ANSWER", `"from carol"`)
	nextState(t, carol)

	// The host disconnects without answering; after the grace period their
	// seat is vacated, the host role moves on, and the remaining answers
	// complete the phase.
	h.unreg <- alice

	var st GameStateView
	for {
		st = nextState(t, bob)
		if len(st.Players) == 2 {
			break
		}
	}

	if st.Phase != PhaseVoting {
		t.Fatalf("expected the departure to complete the round, got %s", st.Phase)
	}
	if len(st.Answers) != 2 {
		t.Fatalf("expected 2 answers after departure, got %d", len(st.Answers))
	}
	if !st.Players[0].IsHost || st.Players[0].Name != "bob" {
		t.Fatalf("expected host to transfer to bob, got %+v", st.Players)
	}
}

func TestReattachByCookieKeepsSeat(t *testing.T) {
	cfg := testConfig()
	cfg.playerTimeout = time.Minute
	h := newTestHub(t, cfg)

	alice := join(t, h, "alice")
	nextState(t, alice)
	bob := join(t, h, "bob")
	nextState(t, bob)

	h.unreg <- bob

	again := &Client{
		send:     make(chan any, 64),
		playerID: bob.playerID,
		name:     "bob",
	}
	h.register <- again

	st := nextState(t, again)
	if len(st.Players) != 2 {
		t.Fatalf("expected re-attachment, got %d players", len(st.Players))
	}
	if st.You != bob.playerID {
		t.Fatalf("expected the original seat id %q, got %q", bob.playerID, st.You)
	}
}

func TestShuffleAnswersAssignsPermutation(t *testing.T) {
	answers := map[string]string{
		"p1": "one",
		"p2": "two",
		"p3": "three",
		"p4": "four",
		"p5": "five",
	}

	mappings := make(map[string]bool)

	for i := 0; i < 50; i++ {
		shuffled := shuffleAnswers(answers)
		if len(shuffled) != len(answers) {
			t.Fatalf("expected %d answers, got %d", len(answers), len(shuffled))
		}

		seen := make(map[int]bool)
		for _, a := range shuffled {
			seen[a.ID] = true
			if answers[a.RealID] != a.Text {
				t.Fatalf("text/author mismatch: %+v", a)
			}
		}
		for i := 0; i < len(answers); i++ {
			if !seen[i] {
				t.Fatalf("display ids are not 0..%d: %v", len(answers)-1, seen)
			}
		}

		byAuthor := make(map[string]int, len(shuffled))
		for _, a := range shuffled {
			byAuthor[a.RealID] = a.ID
		}
		key := ""
		for _, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
			key += fmt.Sprintf("%d,", byAuthor[id])
		}
		mappings[key] = true
	}

	// The author-to-id mapping must not be positionally constant.
	if len(mappings) < 2 {
		t.Fatalf("expected shuffled orderings to vary across rounds, got %v", mappings)
	}
}
