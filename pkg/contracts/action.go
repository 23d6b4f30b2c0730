package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-gateway/pkg/canonicalize"
)

// ActionType is the kind of browser action a harness proposes.
type ActionType string

// Permitted action kinds. The set is closed: anything else is refused by the gate.
const (
	ActionNavigate   ActionType = "navigate"
	ActionClick      ActionType = "click"
	ActionTypeText   ActionType = "type"
	ActionScroll     ActionType = "scroll"
	ActionWait       ActionType = "wait"
	ActionScreenshot ActionType = "screenshot"
	ActionHover      ActionType = "hover"
	ActionSelect     ActionType = "select"
	ActionSubmitForm ActionType = "submit_form"
	ActionReadText   ActionType = "read_text"
)

// PermittedActionTypes returns the closed set of permitted kinds.
func PermittedActionTypes() []ActionType {
	return []ActionType{
		ActionNavigate, ActionClick, ActionTypeText, ActionScroll, ActionWait,
		ActionScreenshot, ActionHover, ActionSelect, ActionSubmitForm, ActionReadText,
	}
}

// SafeAction is a proposed action. It is immutable once constructed: fields
// are private and Parameters returns a copy.
type SafeAction struct {
	actionID    string
	actionType  ActionType
	target      string
	parameters  map[string]string
	description string
}

// ErrInvalidAction is returned when an action cannot be constructed.
var ErrInvalidAction = errors.New("invalid action")

// NewSafeAction builds an action. An empty id is replaced with a UUID.
func NewSafeAction(actionID string, actionType ActionType, target string, parameters map[string]string, description string) (SafeAction, error) {
	if strings.TrimSpace(string(actionType)) == "" {
		return SafeAction{}, fmt.Errorf("%w: action type is required", ErrInvalidAction)
	}
	if actionID == "" {
		actionID = uuid.New().String()
	}
	params := make(map[string]string, len(parameters))
	for k, v := range parameters {
		params[k] = v
	}
	return SafeAction{
		actionID:    actionID,
		actionType:  actionType,
		target:      target,
		parameters:  params,
		description: description,
	}, nil
}

func (a SafeAction) ActionID() string    { return a.actionID }
func (a SafeAction) Type() ActionType    { return a.actionType }
func (a SafeAction) Target() string      { return a.target }
func (a SafeAction) Description() string { return a.description }
func (a SafeAction) IsZero() bool        { return a.actionID == "" && a.actionType == "" }

// Parameters returns a copy of the action parameters.
func (a SafeAction) Parameters() map[string]string {
	out := make(map[string]string, len(a.parameters))
	for k, v := range a.parameters {
		out[k] = v
	}
	return out
}

// ParameterKeys returns parameter names in sorted order.
func (a SafeAction) ParameterKeys() []string {
	keys := make([]string, 0, len(a.parameters))
	for k := range a.parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type safeActionJSON struct {
	ActionID    string            `json:"action_id"`
	ActionType  ActionType        `json:"action_type"`
	Target      string            `json:"target"`
	Parameters  map[string]string `json:"parameters"`
	Description string            `json:"description"`
}

func (a SafeAction) MarshalJSON() ([]byte, error) {
	params := a.parameters
	if params == nil {
		params = map[string]string{}
	}
	return json.Marshal(safeActionJSON{
		ActionID:    a.actionID,
		ActionType:  a.actionType,
		Target:      a.target,
		Parameters:  params,
		Description: a.description,
	})
}

func (a *SafeAction) UnmarshalJSON(data []byte) error {
	var w safeActionJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.ActionID == "" {
		return fmt.Errorf("%w: action_id is required", ErrInvalidAction)
	}
	built, err := NewSafeAction(w.ActionID, w.ActionType, w.Target, w.Parameters, w.Description)
	if err != nil {
		return err
	}
	*a = built
	return nil
}

// Hash binds an approval to this exact action: SHA-256 over the RFC 8785
// canonical JSON of the action.
func (a SafeAction) Hash() (string, error) {
	return canonicalize.CanonicalHash(a)
}
