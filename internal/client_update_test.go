package internal

import "testing"

func TestParticipantsTrackedPerConnection(t *testing.T) {
	model := &TUIModel{}
	model.Update(userJoinedMsg{ConnectionID: "tab-1", UserID: "7", Role: RoleCustomer})
	model.Update(userJoinedMsg{ConnectionID: "tab-2", UserID: "7", Role: RoleCustomer})
	model.Update(userJoinedMsg{ConnectionID: "tab-2", UserID: "7", Role: RoleCustomer})
	if len(model.participants) != 2 {
		t.Fatalf("expected one entry per connection, got %+v", model.participants)
	}

	model.Update(userLeftMsg{ConnectionID: "tab-1", UserID: "7", Role: RoleCustomer})
	if len(model.participants) != 1 || model.participants[0].ConnectionID != "tab-2" {
		t.Fatalf("closing one tab should keep the other, got %+v", model.participants)
	}
	model.Update(userLeftMsg{ConnectionID: "tab-2", UserID: "7", Role: RoleCustomer})
	if len(model.participants) != 0 {
		t.Fatalf("expected nobody left, got %+v", model.participants)
	}
}

func TestConnectionBadgeAfterRemoval(t *testing.T) {
	model := &TUIModel{connState: connLive}
	model.Update(connectionMsg{connected: false, err: ErrRemoved})
	if model.connState != connOffline {
		t.Fatalf("removal should leave the client offline, got %v", model.connState)
	}
}
