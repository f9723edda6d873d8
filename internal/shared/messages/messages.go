package messages

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

//go:embed defaults.json
var defaultsJSON []byte

type MessageText struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Render replaces {key} placeholders in title and body.
func (m MessageText) Render(vars map[string]string) MessageText {
	if len(vars) == 0 {
		return m
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	return MessageText{Title: r.Replace(m.Title), Body: r.Replace(m.Body)}
}

type Messages struct {
	QuoteReceived MessageText `json:"quote_received"`
	QuoteUpdated  MessageText `json:"quote_updated"`
	QuoteAccepted MessageText `json:"quote_accepted"`
	TestPush      MessageText `json:"test_push"`
}

var (
	defaults     Messages
	defaultsOnce sync.Once
)

// Default returns the embedded messages.
func Default() *Messages {
	defaultsOnce.Do(func() {
		if err := json.Unmarshal(defaultsJSON, &defaults); err != nil {
			panic(fmt.Sprintf("messages: invalid embedded defaults: %v", err))
		}
	})
	m := defaults
	return &m
}

// Load returns the embedded messages overlaid with the JSON file at path.
// Fields missing from the file keep their defaults. An empty path returns
// the defaults.
func Load(path string) (*Messages, error) {
	m := Default()
	if path == "" {
		return m, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages file: %w", err)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse messages file: %w", err)
	}
	return m, nil
}
