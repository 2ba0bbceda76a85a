package presence

import (
	"context"

	"github.com/codehive/roomsync/internal"
)

// PersistenceGateway is the durable store this layer writes through. It is owned by the
// surrounding system; the state package provides the postgres implementation.
type PersistenceGateway interface {
	// SaveMessage durably records a room chat message or a direct message.
	SaveMessage(ctx context.Context, msg *internal.Message) error
	// SaveNotification durably records an invite.
	SaveNotification(ctx context.Context, n *internal.Notification) error
	// IsAuthorizedMember returns true if identity is on the durable member list of roomID.
	IsAuthorizedMember(ctx context.Context, identity, roomID string) (bool, error)
}

// IdentityProvider decides which identity a session registers as. verified is the identity the
// transport authenticated when the connection was opened ("" if none) and claimed is the
// identity named in the register event. Authentication itself happens elsewhere.
type IdentityProvider interface {
	Identify(verified, claimed string) (string, error)
}

// CodeObserver is told about every accepted code-change, e.g to snapshot the buffer durably
// after a quiet period. It is called on the dispatch path so it must not block.
type CodeObserver interface {
	OnCodeChange(roomID, identity, code string)
}

// claimedIdentity trusts whatever the client registers as.
type claimedIdentity struct{}

func (claimedIdentity) Identify(verified, claimed string) (string, error) {
	if verified != "" {
		return verified, nil
	}
	if claimed == "" {
		return "", missingField("userId")
	}
	return claimed, nil
}
