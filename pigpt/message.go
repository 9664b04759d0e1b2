package pigpt

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Role identifies the author of a Message
type Role string

func (r Role) String() string {
	return string(r)
}

// Message is a single entry in a conversation
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// History is the ordered transcript of a conversation, oldest first.
// A valid History always starts with exactly one system Message.
type History []Message

// NewHistory returns a History seeded with the given system prompt
func NewHistory(systemPrompt string) History {
	return History{{Role: RoleSystem, Content: systemPrompt}}
}

// Valid returns ErrMissingSystemMessage if the history doesn't start with
// a system Message
func (h History) Valid() error {
	if len(h) == 0 || h[0].Role != RoleSystem {
		return ErrMissingSystemMessage
	}
	return nil
}

// Clone returns a copy of the history that can be appended to without
// touching the original's backing array.
func (h History) Clone() History {
	c := make(History, len(h))
	copy(c, h)
	return c
}

// Window returns at most the last n messages of the history. If the
// system Message would be dropped, it's prepended to the result, so
// the backend always receives the persona (the result may have n+1
// entries).
func (h History) Window(n int) History {
	if n <= 0 || len(h) <= n {
		return h.Clone()
	}
	tail := h[len(h)-n:]
	if h[0].Role != RoleSystem {
		return History(tail).Clone()
	}
	w := make(History, 0, n+1)
	w = append(w, h[0])
	w = append(w, tail...)
	return w
}

// Scan implements the sql.Scanner interface.
func (h *History) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, h)
	case string:
		return json.Unmarshal([]byte(v), h)
	case nil:
		*h = nil
		return nil
	default:
		return fmt.Errorf("unexpected type for History: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (h History) Value() (driver.Value, error) {
	if h == nil {
		return nil, errors.New("nil history")
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GormDataType is used by GORM to determine the default data type for a field.
func (History) GormDataType() string {
	return "text"
}
