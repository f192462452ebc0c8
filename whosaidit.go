// Whosaidit
//
// Players join a named room and answer a shared prompt anonymously. Once every
// answer is in, the answers are shuffled and everyone tries to guess which
// player wrote each one. Correct guesses are worth points; once someone passes
// the win threshold, the host can end the game from the results screen.
//
// Features:
// - WebSockets per room code: /whosaidit/:roomcode and /whosaidit/:roomcode/ws
// - First player to join a room becomes host; host status transfers on departure
// - One goroutine per room owns all game state; clients only enqueue intents
// - Answers get shuffled display ids so authorship never leaks before results
// - A voter may not accuse the same player of writing two different answers
// - Guess revision moves the accusation and leaves the old slot unfilled
// - Disconnected players are re-attached by identity cookie or display name
// - Rooms auto-reaped after configurable idle timeout
// - Random room codes via crypto/rand, with server-side collision check
// - In-browser QR button to share the current room, backed by go-qrcode

package main

import (
	"crypto/rand"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	mrand "math/rand"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Phase is the room-wide stage of play. The values double as wire constants.
type Phase string

const (
	PhaseLobby     Phase = "LOBBY"
	PhaseAnswering Phase = "ANSWERING"
	PhaseVoting    Phase = "VOTING"
	PhaseResults   Phase = "RESULTS"
	PhaseGameOver  Phase = "GAME_OVER"
)

const pointsPerCorrectGuess = 10

// Player is one seat in a room. Connections come and go; the seat persists
// until the removal grace period expires.
type Player struct {
	ID     string
	Name   string
	IsHost bool
	Score  int
}

// Answer pairs a round-stable anonymized display id with the answer text.
// RealID is only ever serialized from RESULTS onward.
type Answer struct {
	ID     int    `json:"id"`
	RealID string `json:"realId,omitempty"`
	Text   string `json:"text"`
}

// ClientMessage is the {type, payload} envelope read off the wire.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// GuessPayload carries one accusation. The answer id must arrive as a JSON
// number; anything else is rejected rather than coerced.
type GuessPayload struct {
	AnswerID        int    `json:"answerId"`
	GuessedPlayerID string `json:"guessedPlayerId"`
}

// Message is the envelope for everything sent to clients.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ErrorPayload is sent only to the client whose message was rejected.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PlayerView is the client-safe projection of a seat. Done means "answered"
// during ANSWERING and "guess set complete" during VOTING.
type PlayerView struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	IsHost bool   `json:"isHost"`
	Score  int    `json:"score"`
	Done   bool   `json:"done"`
}

// GameStateView is the per-client snapshot pushed after every accepted
// mutation. Answers omit authorship before RESULTS, and VotedGuesses only
// contains the receiving voter's own guesses during VOTING.
type GameStateView struct {
	Phase        Phase                     `json:"phase"`
	Question     string                    `json:"question,omitempty"`
	Round        int                       `json:"round"`
	WinScore     int                       `json:"winScore"`
	You          string                    `json:"you"`
	Players      []PlayerView              `json:"players"`
	AnswersCount int                       `json:"answersCount"`
	Answers      []Answer                  `json:"answers,omitempty"`
	VotedGuesses map[string]map[int]string `json:"votedGuesses,omitempty"`
	RoundScores  map[string]int            `json:"roundScores,omitempty"`
}

type Client struct {
	conn     *websocket.Conn
	send     chan any
	playerID string
	name     string
}

type intentRequest struct {
	client *Client
	msg    ClientMessage
}

// Hub is one room. The run goroutine is the only writer of the game state
// below the mutex comment; the mutex guards just the clients set and the
// activity timestamps, which the reaper reads from outside.
type Hub struct {
	code     string
	winScore int

	register   chan *Client
	unreg      chan *Client
	intents    chan intentRequest
	departures chan string
	quit       chan struct{}
	closeOnce  sync.Once

	mu         sync.RWMutex
	clients    map[*Client]bool
	createdAt  time.Time
	lastActive time.Time

	players      []*Player
	phase        Phase
	question     string
	questionPool []string
	deck         []string
	deckIndex    int
	round        int
	answers      map[string]string
	shuffled     []Answer
	guesses      map[string]map[int]string
	roundScores  map[string]int

	onEmpty func(code string)
}

func newHub(code string, winScore int, questions []string, onEmpty func(string)) *Hub {
	now := time.Now()
	h := &Hub{
		code:         code,
		winScore:     winScore,
		register:     make(chan *Client),
		unreg:        make(chan *Client),
		intents:      make(chan intentRequest),
		departures:   make(chan string),
		quit:         make(chan struct{}),
		clients:      make(map[*Client]bool),
		createdAt:    now,
		lastActive:   now,
		phase:        PhaseLobby,
		questionPool: questions,
		onEmpty:      onEmpty,
	}
	h.beginRound()

	return h
}

// close signals the run goroutine to shut the room down. Safe to call from
// any goroutine, any number of times.
func (h *Hub) close() {
	h.closeOnce.Do(func() {
		close(h.quit)
	})
}

func (h *Hub) run(cfg *Config) {
	for {
		select {
		case <-h.quit:
			h.shutdown()
			return
		case c := <-h.register:
			h.handleRegister(cfg, c)
		case c := <-h.unreg:
			h.handleUnregister(cfg, c)
		case playerID := <-h.departures:
			h.handleDeparture(cfg, playerID)
		case ir := <-h.intents:
			h.handleIntent(cfg, ir)
		}
	}
}

// shutdown closes every client send channel. Only the run goroutine ever
// closes these, so broadcasts can never race a close.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) touch() {
	h.mu.Lock()
	h.lastActive = time.Now()
	h.mu.Unlock()
}

func (h *Hub) playerByID(id string) *Player {
	for _, p := range h.players {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (h *Hub) seatConnected(playerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.playerID == playerID {
			return true
		}
	}
	return false
}

// handleRegister attaches a connection to a seat: by identity cookie first,
// then by display name, otherwise a fresh seat (lobby only).
func (h *Hub) handleRegister(cfg *Config, c *Client) {
	h.touch()

	p := h.playerByID(c.playerID)
	if p == nil {
		for _, q := range h.players {
			if strings.EqualFold(q.Name, c.name) {
				p = q
				break
			}
		}
	}

	switch {
	case p != nil:
		if h.seatConnected(p.ID) {
			c.send <- Message{Type: "ERROR", Payload: ErrorPayload{
				Code:    "NAME_TAKEN",
				Message: "That name is already playing in this room.",
			}}
			close(c.send)
			return
		}
		c.playerID = p.ID
		logf(cfg, "GAMES: Player %q re-attached to %s", p.Name, h.code)
	case h.phase != PhaseLobby:
		c.send <- Message{Type: "ERROR", Payload: ErrorPayload{
			Code:    "GAME_IN_PROGRESS",
			Message: "This room has already started; wait for the next game.",
		}}
		close(c.send)
		return
	default:
		p = &Player{
			ID:     c.playerID,
			Name:   c.name,
			IsHost: len(h.players) == 0,
		}
		h.players = append(h.players, p)
		logf(cfg, "GAMES: Player %q joined %s", p.Name, h.code)
	}

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	if !h.checkInvariants() {
		return
	}
	h.broadcastState()
}

func (h *Hub) handleUnregister(cfg *Config, c *Client) {
	h.touch()

	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	if c.playerID != "" {
		go h.scheduleRemoval(c.playerID, cfg.playerTimeout)
	}
}

// scheduleRemoval enqueues a departure once the grace period passes, giving
// flaky connections a chance to re-attach before the seat is vacated.
func (h *Hub) scheduleRemoval(playerID string, d time.Duration) {
	select {
	case <-time.After(d):
	case <-h.quit:
		return
	}

	select {
	case h.departures <- playerID:
	case <-h.quit:
	}
}

func (h *Hub) handleDeparture(cfg *Config, playerID string) {
	if h.seatConnected(playerID) {
		return
	}

	h.removePlayer(cfg, playerID)
}

// removePlayer vacates a seat and scrubs everything that referenced it: the
// player's answer and guesses, plus other voters' guesses that either accused
// the departed player or targeted their answer. Completion is then
// re-evaluated, since the departure may have been the last thing holding a
// phase open.
func (h *Hub) removePlayer(cfg *Config, playerID string) {
	idx := slices.IndexFunc(h.players, func(p *Player) bool { return p.ID == playerID })
	if idx == -1 {
		return
	}

	wasHost := h.players[idx].IsHost
	name := h.players[idx].Name
	h.players = slices.Delete(h.players, idx, idx+1)

	delete(h.answers, playerID)
	delete(h.guesses, playerID)

	h.shuffled = slices.DeleteFunc(h.shuffled, func(a Answer) bool { return a.RealID == playerID })
	remaining := make(map[int]bool, len(h.shuffled))
	for _, a := range h.shuffled {
		remaining[a.ID] = true
	}
	for voterID, m := range h.guesses {
		for answerID, target := range m {
			if target == playerID || (h.phase == PhaseVoting && !remaining[answerID]) {
				delete(m, answerID)
			}
		}
		if len(m) == 0 {
			delete(h.guesses, voterID)
		}
	}

	logf(cfg, "GAMES: Player %q left %s", name, h.code)

	if len(h.players) == 0 {
		h.retire(cfg)
		return
	}

	if wasHost {
		h.players[0].IsHost = true
		logf(cfg, "GAMES: Host of %s transferred to %q", h.code, h.players[0].Name)
	}

	switch h.phase {
	case PhaseAnswering:
		h.maybeFinishAnswering()
	case PhaseVoting:
		h.maybeFinishVoting()
	}

	if !h.checkInvariants() {
		return
	}
	h.broadcastState()
}

func (h *Hub) retire(cfg *Config) {
	logf(cfg, "GAMES: Retiring empty room %s after %s", h.code, time.Since(h.createdAt).Round(time.Second))

	if h.onEmpty != nil {
		go h.onEmpty(h.code)
	}
}

// reject reports a refused message to its sender only. Rejections never
// mutate state and never trigger a broadcast.
func (h *Hub) reject(c *Client, code, text string) {
	msg := Message{Type: "ERROR", Payload: ErrorPayload{Code: code, Message: text}}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[c] {
		return
	}

	select {
	case c.send <- msg:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) handleIntent(cfg *Config, ir intentRequest) {
	h.touch()

	c := ir.client
	p := h.playerByID(c.playerID)
	if p == nil {
		h.reject(c, "NOT_JOINED", "You are not seated in this room.")
		return
	}

	switch ir.msg.Type {
	case "START_GAME":
		h.handleStart(cfg, c, p)
	case "SUBMIT_ANSWER":
		h.handleAnswer(cfg, c, p, ir.msg.Payload)
	case "SUBMIT_GUESS":
		h.handleGuess(cfg, c, p, ir.msg.Payload)
	case "NEXT_ROUND":
		h.handleNextRound(cfg, c, p)
	case "RESET_GAME":
		h.handleReset(cfg, c, p)
	}
}

func (h *Hub) handleStart(cfg *Config, c *Client, p *Player) {
	if h.phase != PhaseLobby {
		h.reject(c, "WRONG_PHASE", "The game has already started.")
		return
	}
	if !p.IsHost {
		h.reject(c, "NOT_HOST", "Only the host can start the game.")
		return
	}
	if len(h.players) < cfg.minPlayers {
		h.reject(c, "NOT_ENOUGH_PLAYERS",
			fmt.Sprintf("At least %d players are needed to start.", cfg.minPlayers))
		return
	}

	h.deck = shuffledDeck(h.questionPool)
	h.deckIndex = 0
	h.round = 1
	h.question = h.deck[0]
	h.beginRound()
	h.phase = PhaseAnswering

	logf(cfg, "GAMES: Game started in %s with %d players", h.code, len(h.players))

	if !h.checkInvariants() {
		return
	}
	h.broadcastState()
}

func (h *Hub) handleAnswer(cfg *Config, c *Client, p *Player, payload json.RawMessage) {
	if h.phase != PhaseAnswering {
		h.reject(c, "WRONG_PHASE", "Answers are not being accepted right now.")
		return
	}

	var text string
	if err := json.Unmarshal(payload, &text); err != nil {
		h.reject(c, "BAD_PAYLOAD", "Answer must be a string.")
		return
	}

	text = strings.TrimSpace(text)
	if text == "" {
		h.reject(c, "EMPTY_ANSWER", "Answers cannot be empty.")
		return
	}
	if len(text) > cfg.maxAnswerLength {
		h.reject(c, "ANSWER_TOO_LONG",
			fmt.Sprintf("Answers are limited to %d characters.", cfg.maxAnswerLength))
		return
	}
	if _, ok := h.answers[p.ID]; ok {
		h.reject(c, "ALREADY_ANSWERED", "You have already submitted an answer this round.")
		return
	}

	h.answers[p.ID] = text
	h.maybeFinishAnswering()

	if !h.checkInvariants() {
		return
	}
	h.broadcastState()
}

// maybeFinishAnswering advances to VOTING once every seated player has an
// answer on record. The check is per player, not a size comparison, so a
// rejected resubmission can never be mistaken for a new answer.
func (h *Hub) maybeFinishAnswering() {
	for _, p := range h.players {
		if _, ok := h.answers[p.ID]; !ok {
			return
		}
	}

	h.shuffled = shuffleAnswers(h.answers)
	h.guesses = make(map[string]map[int]string)
	h.phase = PhaseVoting

	// With a single seated player left, the required guess count is zero and
	// voting is already over.
	h.maybeFinishVoting()
}

// shuffleAnswers assigns display ids 0..n-1 in an order decoupled from both
// authorship and submission order.
func shuffleAnswers(answers map[string]string) []Answer {
	shuffled := make([]Answer, 0, len(answers))
	for id, text := range answers {
		shuffled = append(shuffled, Answer{
			RealID: id,
			Text:   text,
		})
	}

	mrand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	for i := range shuffled {
		shuffled[i].ID = i
	}

	return shuffled
}

func (h *Hub) answerByID(id int) *Answer {
	for i := range h.shuffled {
		if h.shuffled[i].ID == id {
			return &h.shuffled[i]
		}
	}
	return nil
}

func (h *Hub) handleGuess(cfg *Config, c *Client, p *Player, payload json.RawMessage) {
	if h.phase != PhaseVoting {
		h.reject(c, "WRONG_PHASE", "Guesses are not being accepted right now.")
		return
	}

	var guess GuessPayload
	if err := json.Unmarshal(payload, &guess); err != nil {
		h.reject(c, "BAD_PAYLOAD", "Guess must name an integer answer id and a player id.")
		return
	}

	answer := h.answerByID(guess.AnswerID)
	if answer == nil {
		h.reject(c, "NO_SUCH_ANSWER", "That answer does not exist this round.")
		return
	}
	if answer.RealID == p.ID {
		h.reject(c, "OWN_ANSWER", "You cannot vote on your own answer.")
		return
	}

	target := h.playerByID(guess.GuessedPlayerID)
	if target == nil {
		h.reject(c, "NO_SUCH_PLAYER", "That player is not in this room.")
		return
	}
	if target.ID == p.ID {
		h.reject(c, "SELF_GUESS", "You cannot accuse yourself.")
		return
	}

	m := h.guesses[p.ID]
	if m == nil {
		m = make(map[int]string)
		h.guesses[p.ID] = m
	}

	// Distinctness: accusing an already-used player moves the accusation,
	// leaving the old slot unfilled.
	for answerID, accused := range m {
		if accused == target.ID && answerID != guess.AnswerID {
			delete(m, answerID)
		}
	}
	m[guess.AnswerID] = target.ID

	h.maybeFinishVoting()

	if !h.checkInvariants() {
		return
	}
	h.broadcastState()
}

func (h *Hub) voterComplete(p *Player) bool {
	m := h.guesses[p.ID]
	for _, a := range h.shuffled {
		if a.RealID == p.ID {
			continue
		}
		if _, ok := m[a.ID]; !ok {
			return false
		}
	}
	return true
}

func (h *Hub) maybeFinishVoting() {
	for _, p := range h.players {
		if !h.voterComplete(p) {
			return
		}
	}

	h.scoreRound()
	h.phase = PhaseResults
}

// scoreRound runs exactly once per round, on the transition into RESULTS.
// Voters earn points for correct accusations; authors earn nothing for
// staying hidden.
func (h *Hub) scoreRound() {
	authors := make(map[int]string, len(h.shuffled))
	for _, a := range h.shuffled {
		authors[a.ID] = a.RealID
	}

	h.roundScores = make(map[string]int)
	for voterID, m := range h.guesses {
		voter := h.playerByID(voterID)
		if voter == nil {
			continue
		}
		for answerID, accused := range m {
			if authors[answerID] == accused {
				voter.Score += pointsPerCorrectGuess
				h.roundScores[voterID] += pointsPerCorrectGuess
			}
		}
	}
}

func (h *Hub) highestScore() int {
	highest := 0
	for _, p := range h.players {
		if p.Score > highest {
			highest = p.Score
		}
	}
	return highest
}

// handleNextRound is the host's only move out of RESULTS: the game ends if
// anyone has reached the win threshold, otherwise the next round begins.
func (h *Hub) handleNextRound(cfg *Config, c *Client, p *Player) {
	if h.phase != PhaseResults {
		h.reject(c, "WRONG_PHASE", "There are no results to move on from.")
		return
	}
	if !p.IsHost {
		h.reject(c, "NOT_HOST", "Only the host can continue the game.")
		return
	}

	if h.highestScore() >= h.winScore {
		h.phase = PhaseGameOver
		logf(cfg, "GAMES: Game over in %s after %d rounds", h.code, h.round)
	} else {
		h.round++
		h.deckIndex++
		if h.deckIndex >= len(h.deck) {
			h.deck = shuffledDeck(h.questionPool)
			h.deckIndex = 0
		}
		h.question = h.deck[h.deckIndex]
		h.beginRound()
		h.phase = PhaseAnswering
	}

	if !h.checkInvariants() {
		return
	}
	h.broadcastState()
}

func (h *Hub) handleReset(cfg *Config, c *Client, p *Player) {
	if h.phase != PhaseGameOver {
		h.reject(c, "WRONG_PHASE", "The game is still in progress.")
		return
	}
	if !p.IsHost {
		h.reject(c, "NOT_HOST", "Only the host can reset the game.")
		return
	}

	for _, q := range h.players {
		q.Score = 0
	}
	h.round = 0
	h.question = ""
	h.deck = nil
	h.deckIndex = 0
	h.beginRound()
	h.phase = PhaseLobby

	logf(cfg, "GAMES: Room %s reset to lobby", h.code)

	if !h.checkInvariants() {
		return
	}
	h.broadcastState()
}

// beginRound discards the previous round's answers and guesses outright.
func (h *Hub) beginRound() {
	h.answers = make(map[string]string)
	h.guesses = make(map[string]map[int]string)
	h.shuffled = nil
	h.roundScores = nil
}

// checkInvariants halts the room on state corruption. User mistakes are
// rejected long before this point; failing here means a programming error.
func (h *Hub) checkInvariants() bool {
	hosts := 0
	for _, p := range h.players {
		if p.IsHost {
			hosts++
		}
	}

	var reason string
	switch {
	case len(h.players) > 0 && hosts != 1:
		reason = fmt.Sprintf("expected exactly one host, found %d", hosts)
	case len(h.answers) > len(h.players):
		reason = fmt.Sprintf("%d answers for %d players", len(h.answers), len(h.players))
	case h.phase == PhaseVoting && len(h.shuffled) == 0:
		reason = "voting with no answers"
	}

	if reason == "" {
		return true
	}

	log.Printf("%s | FATAL: Room %s corrupted (%s); halting room", time.Now().Format(logDate), h.code, reason)

	if h.onEmpty != nil {
		go h.onEmpty(h.code)
	}
	h.close()

	return false
}

// viewFor projects the room into the snapshot a single client is allowed to
// see. Everything handed out is a copy; the marshaling goroutine must never
// share maps with the run loop.
func (h *Hub) viewFor(c *Client) GameStateView {
	view := GameStateView{
		Phase:        h.phase,
		Question:     h.question,
		Round:        h.round,
		WinScore:     h.winScore,
		You:          c.playerID,
		AnswersCount: len(h.answers),
		Players:      make([]PlayerView, 0, len(h.players)),
	}

	for _, p := range h.players {
		pv := PlayerView{
			ID:     p.ID,
			Name:   p.Name,
			IsHost: p.IsHost,
			Score:  p.Score,
		}
		switch h.phase {
		case PhaseAnswering:
			_, pv.Done = h.answers[p.ID]
		case PhaseVoting:
			pv.Done = h.voterComplete(p)
		}
		view.Players = append(view.Players, pv)
	}

	revealed := h.phase == PhaseResults || h.phase == PhaseGameOver

	if h.phase == PhaseVoting || revealed {
		view.Answers = make([]Answer, 0, len(h.shuffled))
		for _, a := range h.shuffled {
			if !revealed {
				a.RealID = ""
			}
			view.Answers = append(view.Answers, a)
		}
	}

	switch {
	case h.phase == PhaseVoting:
		if m, ok := h.guesses[c.playerID]; ok {
			own := make(map[int]string, len(m))
			for answerID, accused := range m {
				own[answerID] = accused
			}
			view.VotedGuesses = map[string]map[int]string{c.playerID: own}
		}
	case revealed:
		view.VotedGuesses = make(map[string]map[int]string, len(h.guesses))
		for voterID, m := range h.guesses {
			cp := make(map[int]string, len(m))
			for answerID, accused := range m {
				cp[answerID] = accused
			}
			view.VotedGuesses[voterID] = cp
		}
	}

	if revealed && h.roundScores != nil {
		view.RoundScores = make(map[string]int, len(h.roundScores))
		for id, points := range h.roundScores {
			view.RoundScores[id] = points
		}
	}

	return view
}

// broadcastState pushes a personalized snapshot to every connected client.
// Clients that cannot keep up are dropped rather than blocking the room.
func (h *Hub) broadcastState() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- Message{Type: "GAME_STATE", Payload: h.viewFor(c)}:
		default:
			delete(h.clients, c)
			close(c.send)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const playerCookieName = "whosaidit_id"

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	id := uuid.NewString()

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// RoomManager holds a set of hubs keyed by room code, so each
// /whosaidit/:roomcode is its own isolated game.
type RoomManager struct {
	mu          sync.Mutex
	hubs        map[string]*Hub
	questions   []string
	idleTimeout time.Duration
}

func newRoomManager(questions []string, idleTimeout time.Duration) *RoomManager {
	rm := &RoomManager{
		hubs:        make(map[string]*Hub),
		questions:   questions,
		idleTimeout: idleTimeout,
	}
	if idleTimeout > 0 {
		go rm.reaperLoop()
	}
	return rm
}

// getHub lazily creates a room on first join.
func (rm *RoomManager) getHub(cfg *Config, roomCode string) *Hub {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if hub, ok := rm.hubs[roomCode]; ok {
		return hub
	}

	hub := newHub(roomCode, cfg.winScore, rm.questions, rm.removeHub)
	rm.hubs[roomCode] = hub
	go hub.run(cfg)

	logf(cfg, "GAMES: Created room %s", roomCode)

	return hub
}

func (rm *RoomManager) removeHub(roomCode string) {
	rm.mu.Lock()
	hub, ok := rm.hubs[roomCode]
	if ok {
		delete(rm.hubs, roomCode)
	}
	rm.mu.Unlock()

	if ok {
		hub.close()
	}
}

const roomCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// newRoomCode generates a crypto-random room code and ensures it doesn't
// collide with existing rooms.
func (rm *RoomManager) newRoomCode() string {
	for {
		buf := make([]byte, 4)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 4)
		for i := range out {
			out[i] = roomCodeAlphabet[int(buf[i])%len(roomCodeAlphabet)]
		}
		code := string(out)

		rm.mu.Lock()
		_, exists := rm.hubs[code]
		rm.mu.Unlock()

		if !exists {
			return code
		}
	}
}

// normalizeRoomCode uppercases a player-supplied code and rejects anything
// that isn't 1-16 alphanumerics.
func normalizeRoomCode(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) < 1 || len(code) > 16 {
		return "", false
	}
	for _, r := range code {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", false
		}
	}
	return code, true
}

// reaperLoop periodically removes hubs that have been idle longer than
// idleTimeout.
func (rm *RoomManager) reaperLoop() {
	ticker := time.NewTicker(rm.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-rm.idleTimeout)

		rm.mu.Lock()
		stale := make([]*Hub, 0)
		for code, hub := range rm.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				delete(rm.hubs, code)
				stale = append(stale, hub)
			}
		}
		rm.mu.Unlock()

		for _, hub := range stale {
			hub.close()
		}
	}
}

// WebSocket handler that picks the hub based on :roomcode. The transport
// resolves a room code and display name before any game messages flow.
func serveWSForManager(cfg *Config, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomCode, ok := normalizeRoomCode(ps.ByName("roomcode"))
		if !ok {
			http.Error(w, "invalid room code", http.StatusBadRequest)
			return
		}

		name := strings.TrimSpace(r.URL.Query().Get("name"))
		if name == "" || len(name) > 32 {
			http.Error(w, "missing or invalid player name", http.StatusBadRequest)
			return
		}

		playerID := getOrSetPlayerID(w, r)
		if playerID == "" {
			http.Error(w, "unable to assign player id", http.StatusInternalServerError)
			return
		}

		hub := rm.getHub(cfg, roomCode)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:     conn,
			send:     make(chan any, 8),
			playerID: playerID,
			name:     name,
		}

		select {
		case hub.register <- client:
		case <-hub.quit:
			_ = conn.Close()
			return
		}

		go client.writePump()
		client.readPump(cfg, hub)
	}
}

func (c *Client) readPump(cfg *Config, h *Hub) {
	defer func() {
		select {
		case h.unreg <- c:
		case <-h.quit:
		}
		_ = c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logf(cfg, "GAMES: Dropping malformed message in %s: %v", h.code, err)
			continue
		}

		switch msg.Type {
		case "START_GAME", "SUBMIT_ANSWER", "SUBMIT_GUESS", "NEXT_ROUND", "RESET_GAME":
			select {
			case h.intents <- intentRequest{client: c, msg: msg}:
			case <-h.quit:
				return
			}
		default:
			logf(cfg, "GAMES: Dropping unknown message type %q in %s", msg.Type, h.code)
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current room URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if _, ok := normalizeRoomCode(ps.ByName("roomcode")); !ok {
		http.Error(w, "invalid room code", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:roomcode/qr; strip trailing "/qr" to get the room URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed whosaidit/index.html
var indexHTML []byte

//go:embed whosaidit/app.css
var appCSS []byte

//go:embed whosaidit/app.js
var appJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_ = getOrSetPlayerID(w, r)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(appCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(appJS)
	}
}

// redirectNewRoom handles GET /path by generating a new random room code
// (with server-side collision detection) and redirecting to /path/:roomcode.
func redirectNewRoom(cfg *Config, path string, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		roomCode := rm.newRoomCode()
		logf(cfg, "GAMES: Suggested room %s/%s", path, roomCode)
		http.Redirect(w, r, cfg.prefix+path+"/"+roomCode, http.StatusTemporaryRedirect)
	}
}

// registerWhoSaidItGame sets up routes so that:
//   - $path                    → redirects to a new random room code
//   - $path/:roomcode          → HTML client
//   - $path/:roomcode/ws       → WebSocket for that room
//   - $path/:roomcode/qr       → PNG QR code for that room URL
func registerWhoSaidItGame(cfg *Config, path string, questions []string, mux *httprouter.Router) {
	rm := newRoomManager(questions, cfg.sessionTimeout)

	// Root path → redirect to a fresh room code
	mux.GET(cfg.prefix+path, redirectNewRoom(cfg, path, rm))

	// Per-room client view (HTML)
	mux.GET(cfg.prefix+path+"/:roomcode", getIndexHandler(cfg))

	// Shared assets (no roomcode in route)
	mux.GET(cfg.prefix+"/assets/whosaidit/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/whosaidit/app.js", getJsHandler(cfg))

	// Per-room websocket
	mux.GET(cfg.prefix+path+"/:roomcode/ws", serveWSForManager(cfg, rm))

	// Per-room QR code
	mux.GET(cfg.prefix+path+"/:roomcode/qr", qrHandler)
}
