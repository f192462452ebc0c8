package main

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
)

//go:embed questions.json
var defaultQuestions []byte

// loadQuestions returns the prompt deck, either from the embedded default
// set or from a user-supplied JSON array of strings.
func loadQuestions(path string) ([]string, error) {
	data := defaultQuestions

	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	}

	var questions []string
	if err := json.Unmarshal(data, &questions); err != nil {
		return nil, fmt.Errorf("parsing questions: %w", err)
	}

	trimmed := questions[:0]
	for _, q := range questions {
		q = strings.TrimSpace(q)
		if q != "" {
			trimmed = append(trimmed, q)
		}
	}

	if len(trimmed) == 0 {
		return nil, errors.New("question deck is empty")
	}

	return trimmed, nil
}

// shuffledDeck returns a shuffled copy, leaving the source untouched so the
// same deck can be re-dealt for later games.
func shuffledDeck(questions []string) []string {
	deck := make([]string, len(questions))
	copy(deck, questions)

	rand.Shuffle(len(deck), func(i, j int) {
		deck[i], deck[j] = deck[j], deck[i]
	})

	return deck
}
