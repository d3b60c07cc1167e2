package server

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"log/slog"
	"time"

	"github.com/profnet/profiled/internal/identity"
	"github.com/profnet/profiled/internal/store"
	"github.com/profnet/profiled/internal/validate"
	"github.com/profnet/profiled/internal/wire"
)

// CardID is the SHA-256 of the card serialized with CardID and the issuer
// signature zeroed; the issuer then signs the id itself.
func cardID(card *wire.RelationshipCard) ([]byte, error) {
	unsigned := *card
	unsigned.CardID = nil
	unsigned.IssuerSignature = nil
	raw, err := wire.MarshalValue(&unsigned)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

// validateCard checks every invariant of a relationship card application.
func (c *conn) validateCard(req *wire.AddRelatedIdentityRequest) *wire.Response {
	app, card := req.Application, req.Card
	if app == nil || card == nil {
		return errResponse(wire.StatusInvalidValue, "signedCard")
	}
	if len(app.ApplicationID) == 0 || len(app.ApplicationID) > 32 {
		return errResponse(wire.StatusInvalidValue, "cardApplication.applicationId")
	}
	if !identity.ValidPublicKey(card.IssuerPublicKey) {
		return errResponse(wire.StatusInvalidValue, "signedCard.card.issuerPublicKey")
	}
	if !bytes.Equal(card.RecipientPublicKey, c.sess.PublicKey) {
		return errResponse(wire.StatusInvalidValue, "signedCard.card.recipientPublicKey")
	}
	if _, ok := wire.ParseSemVer(card.CardVersion); !ok {
		return errResponse(wire.StatusInvalidValue, "signedCard.card.version")
	}
	if err := validate.IdentityType(card.Type); err != nil {
		return errResponse(wire.StatusInvalidValue, "signedCard.card.type")
	}
	if card.ValidFrom > card.ValidTo {
		return errResponse(wire.StatusInvalidValue, "signedCard.card.validFrom")
	}

	want, err := cardID(card)
	if err != nil {
		return errResponse(wire.StatusInternal, "")
	}
	if !bytes.Equal(card.CardID, want) {
		return errResponse(wire.StatusInvalidValue, "signedCard.card.cardId")
	}
	if !bytes.Equal(app.CardID, card.CardID) {
		return errResponse(wire.StatusInvalidValue, "cardApplication.cardId")
	}
	if !identity.Verify(card.IssuerPublicKey, card.CardID, card.IssuerSignature) {
		return errResponse(wire.StatusInvalidSignature, "signedCard.signature")
	}
	appRaw, err := wire.MarshalValue(app)
	if err != nil {
		return errResponse(wire.StatusInternal, "")
	}
	if !identity.Verify(card.RecipientPublicKey, appRaw, req.RecipientSignature) {
		return errResponse(wire.StatusInvalidSignature, "signature")
	}
	return nil
}

func (s *Server) handleAddRelatedIdentity(c *conn, msgID uint32, req *wire.Request) (*wire.Response, outcome) {
	add := req.Conversation.AddRelatedIdentity
	if resp := c.validateCard(add); resp != nil {
		return resp, outcomeContinue
	}

	record := &store.RelatedCard{
		IdentityID:         c.sess.IdentityID,
		ApplicationID:      add.Application.ApplicationID,
		CardID:             add.Card.CardID,
		CardVersion:        add.Card.CardVersion,
		IssuerPublicKey:    add.Card.IssuerPublicKey,
		RecipientPublicKey: add.Card.RecipientPublicKey,
		Type:               add.Card.Type,
		ValidFrom:          time.Unix(add.Card.ValidFrom, 0).UTC(),
		ValidTo:            time.Unix(add.Card.ValidTo, 0).UTC(),
		IssuerSignature:    add.Card.IssuerSignature,
		RecipientSignature: add.RecipientSignature,
	}
	err := s.store.InTx(c.ctx, []store.Lock{store.LockRelatedIdentity}, func(tx store.Tx) error {
		count, err := tx.CountCardApplications(c.ctx, c.sess.IdentityID)
		if err != nil {
			return err
		}
		if count >= s.cfg.Limits.MaxIdentityRelations {
			return errQuota
		}
		return tx.InsertCard(c.ctx, record)
	})
	switch {
	case errors.Is(err, store.ErrAlreadyExists):
		return errResponse(wire.StatusAlreadyExists, ""), outcomeContinue
	case errors.Is(err, errQuota):
		return errResponse(wire.StatusQuotaExceeded, ""), outcomeContinue
	case err != nil:
		slog.Error("add related identity failed", "error", err)
		return errResponse(wire.StatusInternal, ""), outcomeContinue
	}
	return &wire.Response{
		Status:       wire.StatusOk,
		Conversation: &wire.ConversationResponse{AddRelatedIdentity: &wire.AddRelatedIdentityResponse{}},
	}, outcomeContinue
}

func (s *Server) handleRemoveRelatedIdentity(c *conn, msgID uint32, req *wire.Request) (*wire.Response, outcome) {
	remove := req.Conversation.RemoveRelatedIdentity
	err := s.store.InTx(c.ctx, []store.Lock{store.LockRelatedIdentity}, func(tx store.Tx) error {
		return tx.DeleteCard(c.ctx, c.sess.IdentityID, remove.ApplicationID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return errResponse(wire.StatusNotFound, ""), outcomeContinue
	}
	if err != nil {
		slog.Error("remove related identity failed", "error", err)
		return errResponse(wire.StatusInternal, ""), outcomeContinue
	}
	return &wire.Response{
		Status:       wire.StatusOk,
		Conversation: &wire.ConversationResponse{RemoveRelatedIdentity: &wire.RemoveRelatedIdentityResponse{}},
	}, outcomeContinue
}

func (s *Server) handleGetRelationships(c *conn, msgID uint32, req *wire.Request) (*wire.Response, outcome) {
	get := req.Conversation.GetRelationships
	if len(get.IdentityID) != identity.IDSize {
		return errResponse(wire.StatusInvalidValue, "identityNetworkId"), outcomeContinue
	}
	if len(get.IssuerPublicKey) > 0 && !identity.ValidPublicKey(get.IssuerPublicKey) {
		return errResponse(wire.StatusInvalidValue, "issuerNetworkId"), outcomeContinue
	}

	var cards []*store.RelatedCard
	err := s.store.InTx(c.ctx, nil, func(tx store.Tx) error {
		var err error
		cards, err = tx.ListCards(c.ctx, get.IdentityID)
		return err
	})
	if err != nil {
		slog.Error("list cards failed", "error", err)
		return errResponse(wire.StatusInternal, ""), outcomeContinue
	}

	now := time.Now()
	var relations []wire.IdentityRelation
	for _, card := range cards {
		if !get.IncludeInvalid && !card.Valid(now) {
			continue
		}
		if get.Type != "" && !store.WildcardMatch(get.Type, card.Type) {
			continue
		}
		if len(get.IssuerPublicKey) > 0 && !bytes.Equal(get.IssuerPublicKey, card.IssuerPublicKey) {
			continue
		}
		relations = append(relations, wire.IdentityRelation{
			Card: &wire.RelationshipCard{
				CardID:             card.CardID,
				CardVersion:        card.CardVersion,
				IssuerPublicKey:    card.IssuerPublicKey,
				RecipientPublicKey: card.RecipientPublicKey,
				Type:               card.Type,
				ValidFrom:          card.ValidFrom.Unix(),
				ValidTo:            card.ValidTo.Unix(),
				IssuerSignature:    card.IssuerSignature,
			},
			Application: &wire.CardApplication{
				ApplicationID: card.ApplicationID,
				CardID:        card.CardID,
			},
			RecipientSignature: card.RecipientSignature,
		})
	}
	return &wire.Response{
		Status: wire.StatusOk,
		Conversation: &wire.ConversationResponse{
			GetRelationships: &wire.GetIdentityRelationshipsResponse{Relations: relations},
		},
	}, outcomeContinue
}
