package session

import (
	"fmt"
	"time"

	"evcharge/internal"
	"evcharge/models"
	"evcharge/types"
)

// Authorizer is the badge gate consulted before Authorize and
// StartTransaction are allowed to touch any transaction state.
type Authorizer struct {
	database         internal.Database
	logger           internal.LogHandler
	eventHandler     internal.EventHandler
	acceptUnknownTag bool
}

type AuthResult struct {
	Status types.AuthorizationStatus
	Tag    *models.UserTag
}

func NewAuthorizer() *Authorizer {
	return &Authorizer{}
}

func (a *Authorizer) SetDatabase(database internal.Database) {
	a.database = database
}

func (a *Authorizer) SetLogger(logger internal.LogHandler) {
	a.logger = logger
}

func (a *Authorizer) SetEventHandler(eventHandler internal.EventHandler) {
	a.eventHandler = eventHandler
}

// SetAcceptUnknownTag controls whether badges seen for the first time are
// registered enabled; used for commissioning new sites.
func (a *Authorizer) SetAcceptUnknownTag(accept bool) {
	a.acceptUnknownTag = accept
}

// Authorize validates a badge identifier. The format guard runs before any
// registry lookup: an empty or oversize tag is Invalid no matter what is
// registered.
func (a *Authorizer) Authorize(chargePointId, idTag string) AuthResult {
	if idTag == "" {
		return AuthResult{Status: types.AuthorizationStatusInvalid}
	}
	if len(idTag) > types.IdTagMaxLength {
		return AuthResult{Status: types.AuthorizationStatusInvalid}
	}
	if a.database == nil {
		return AuthResult{Status: types.AuthorizationStatusAccepted}
	}

	userTag, err := a.database.GetUserTag(idTag)
	if err != nil || userTag == nil {
		return a.registerUnknownTag(chargePointId, idTag)
	}

	if userTag.ExpiryDate != nil && userTag.ExpiryDate.Before(time.Now()) {
		return AuthResult{Status: types.AuthorizationStatusExpired, Tag: userTag}
	}
	if !userTag.IsEnabled {
		return AuthResult{Status: types.AuthorizationStatusBlocked, Tag: userTag}
	}

	userTag.LastSeen = time.Now()
	if err = a.database.UpdateUserTag(userTag); err != nil && a.logger != nil {
		a.logger.Error("update user tag", err)
	}
	return AuthResult{Status: types.AuthorizationStatusAccepted, Tag: userTag}
}

// registerUnknownTag stores a first-seen badge and raises the administrative
// notification exactly once. The notification is fire-and-forget: a delivery
// or persistence failure never blocks the authorize path.
func (a *Authorizer) registerUnknownTag(chargePointId, idTag string) AuthResult {
	userTag := &models.UserTag{
		IdTag:          idTag,
		IsEnabled:      a.acceptUnknownTag,
		DateRegistered: time.Now(),
		LastSeen:       time.Now(),
	}
	if err := a.database.AddUserTag(userTag); err != nil {
		// already registered by a concurrent request; no second notification
		if a.logger != nil {
			a.logger.Warn(fmt.Sprintf("register tag %s: %s", idTag, err))
		}
	} else if a.eventHandler != nil {
		a.eventHandler.OnUnknownTag(&internal.EventMessage{
			ChargePointId: chargePointId,
			Time:          time.Now(),
			IdTag:         idTag,
			Status:        string(types.AuthorizationStatusInvalid),
			Info:          "unknown user badged",
		})
	}
	if a.acceptUnknownTag {
		return AuthResult{Status: types.AuthorizationStatusAccepted, Tag: userTag}
	}
	return AuthResult{Status: types.AuthorizationStatusInvalid, Tag: userTag}
}
