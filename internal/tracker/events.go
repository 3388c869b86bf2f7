package tracker

import (
	"encoding/json"
	"fmt"

	"github.com/rewindly/agent/internal/errors"
	"github.com/rewindly/agent/internal/metadata"
)

// Event is a signal from the host environment. The recorder consumes nothing else.
type Event interface {
	eventName() string
}

// TabActivated fires when the user switches to a tab.
type TabActivated struct {
	Page metadata.Page `json:"page"`
}

// TabUpdated fires when a tab changes. Only a completed load of the active tab
// is an activity boundary.
type TabUpdated struct {
	Page     metadata.Page `json:"page"`
	Complete bool          `json:"complete"`
	Active   bool          `json:"active"`
}

// FocusChanged fires when the browser window gains or loses focus. ActiveTab
// is the tab shown in the newly focused window, if known.
type FocusChanged struct {
	Focused   bool           `json:"focused"`
	ActiveTab *metadata.Page `json:"active_tab,omitempty"`
}

// IdleState is the host's view of user presence.
type IdleState string

const (
	IdleActive IdleState = "active"
	IdleIdle   IdleState = "idle"
	IdleLocked IdleState = "locked"
)

// IdleStateChanged fires when the host's idle detector changes state.
type IdleStateChanged struct {
	State IdleState `json:"state"`
}

// UserInactive fires when a page saw no input for the inactivity window.
type UserInactive struct{}

// Heartbeat is a periodic liveness ping from an open page.
type Heartbeat struct {
	Page metadata.Page `json:"page"`
}

// Shutdown ends any current activity before the process exits.
type Shutdown struct{}

func (TabActivated) eventName() string     { return "tab_activated" }
func (TabUpdated) eventName() string       { return "tab_updated" }
func (FocusChanged) eventName() string     { return "focus_changed" }
func (IdleStateChanged) eventName() string { return "idle_state_changed" }
func (UserInactive) eventName() string     { return "user_inactive" }
func (Heartbeat) eventName() string        { return "heartbeat" }
func (Shutdown) eventName() string         { return "shutdown" }

// Name returns the wire name of ev.
func Name(ev Event) string { return ev.eventName() }

// ParseEvent decodes a payload for the event named kind.
func ParseEvent(kind string, payload json.RawMessage) (Event, error) {
	var ev Event
	switch kind {
	case "tab_activated":
		ev = &TabActivated{}
	case "tab_updated":
		ev = &TabUpdated{}
	case "focus_changed":
		ev = &FocusChanged{}
	case "idle_state_changed":
		ev = &IdleStateChanged{}
	case "user_inactive":
		return UserInactive{}, nil
	case "heartbeat":
		ev = &Heartbeat{}
	case "shutdown":
		return Shutdown{}, nil
	default:
		return nil, errors.NewInvalidRequest(fmt.Sprintf("unknown event type %q", kind))
	}

	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, ev); err != nil {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid %s payload: %v", kind, err))
		}
	}

	switch e := ev.(type) {
	case *TabActivated:
		return *e, nil
	case *TabUpdated:
		return *e, nil
	case *FocusChanged:
		return *e, nil
	case *IdleStateChanged:
		switch e.State {
		case IdleActive, IdleIdle, IdleLocked:
		default:
			return nil, errors.NewInvalidRequest(fmt.Sprintf("unknown idle state %q", e.State))
		}
		return *e, nil
	case *Heartbeat:
		return *e, nil
	}
	return nil, errors.NewInternal(fmt.Errorf("unhandled event %q", kind))
}
