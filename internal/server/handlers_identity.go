package server

import (
	"bytes"
	"errors"
	"log/slog"
	"time"

	"github.com/profnet/profiled/internal/identity"
	"github.com/profnet/profiled/internal/imagestore"
	"github.com/profnet/profiled/internal/neighborhood"
	"github.com/profnet/profiled/internal/store"
	"github.com/profnet/profiled/internal/validate"
	"github.com/profnet/profiled/internal/wire"
)

// hostingPlanTypes are the contract types this deployment accepts. The
// network specification leaves plan registries to the operator; anything
// outside this set is refused rather than silently hosted.
var hostingPlanTypes = map[string]bool{
	"individual":   true,
	"organization": true,
	"application":  true,
}

// validateContract checks a hosting contract: well-formed fields, the key
// matching the session identity, and the identity's signature over the
// contract serialized with the signature zeroed.
func (c *conn) validateContract(contract *wire.HostingContract) *wire.Response {
	if contract == nil {
		return errResponse(wire.StatusInvalidValue, "contract")
	}
	if !bytes.Equal(contract.IdentityPublicKey, c.sess.PublicKey) {
		return errResponse(wire.StatusInvalidValue, "contract.identityPublicKey")
	}
	if !hostingPlanTypes[contract.IdentityType] {
		return errResponse(wire.StatusInvalidValue, "contract.identityType")
	}
	if len(contract.PlanID) > 64 {
		return errResponse(wire.StatusInvalidValue, "contract.planId")
	}
	unsigned := *contract
	unsigned.Signature = nil
	raw, err := wire.MarshalValue(&unsigned)
	if err != nil {
		return errResponse(wire.StatusInternal, "")
	}
	if !identity.Verify(contract.IdentityPublicKey, raw, contract.Signature) {
		return errResponse(wire.StatusInvalidSignature, "contract.signature")
	}
	return nil
}

// handleRegisterHosting creates or reactivates a hosted identity under a
// hosting contract. The capacity check runs inside the same transaction
// that inserts, so two racing registrations cannot both squeeze in.
func (s *Server) handleRegisterHosting(c *conn, msgID uint32, req *wire.Request) (*wire.Response, outcome) {
	reg := req.Conversation.RegisterHosting
	if resp := c.validateContract(reg.Contract); resp != nil {
		return resp, outcomeContinue
	}

	err := s.store.InTx(c.ctx, []store.Lock{store.LockHostedIdentity}, func(tx store.Tx) error {
		existing, err := tx.GetHosted(c.ctx, c.sess.IdentityID)
		if err == nil {
			if !existing.Cancelled() {
				return store.ErrAlreadyExists
			}
			// Reactivation: clear the cancellation, keep the profile.
			existing.ExpirationAt = nil
			existing.HostingRedirectID = nil
			return tx.UpdateHosted(c.ctx, existing)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		count, err := tx.CountHosted(c.ctx)
		if err != nil {
			return err
		}
		if count >= s.cfg.Limits.MaxHostedIdentities {
			return errQuota
		}
		return tx.InsertHosted(c.ctx, &store.HostedIdentity{
			IdentityID: c.sess.IdentityID,
			PublicKey:  c.sess.PublicKey,
			Version:    []byte{0, 0, 0},
			Type:       reg.Contract.IdentityType,
		})
	})
	switch {
	case errors.Is(err, store.ErrAlreadyExists):
		return errResponse(wire.StatusAlreadyExists, ""), outcomeContinue
	case errors.Is(err, errQuota):
		return errResponse(wire.StatusQuotaExceeded, ""), outcomeContinue
	case err != nil:
		slog.Error("register hosting failed", "error", err)
		return errResponse(wire.StatusInternal, ""), outcomeContinue
	}

	slog.Info("hosting registered", "identity", identity.Short(c.sess.IdentityID),
		"type", reg.Contract.IdentityType)
	return &wire.Response{
		Status: wire.StatusOk,
		Conversation: &wire.ConversationResponse{
			RegisterHosting: &wire.RegisterHostingResponse{Contract: reg.Contract},
		},
	}, outcomeContinue
}

var errQuota = errors.New("quota exceeded")

// validateUpdate checks an update-profile request against the field
// limits, including the first-update rule: an uninitialized profile must
// receive version, name, and location at once.
func validateUpdate(up *wire.UpdateProfileRequest, initialized bool) *wire.Response {
	if !up.SetVersion && !up.SetName && !up.SetImage && !up.SetLocation && !up.SetExtraData {
		return errResponse(wire.StatusInvalidValue, "set*")
	}
	if !initialized && (!up.SetVersion || !up.SetName || !up.SetLocation) {
		return errResponse(wire.StatusInvalidValue, "set*")
	}
	if up.SetVersion {
		v, ok := wire.ParseSemVer(up.Version)
		if !ok || v != wire.ProtocolVersion {
			return errResponse(wire.StatusInvalidValue, "version")
		}
	}
	if up.SetName {
		if err := validate.Name(up.Name); err != nil {
			return errResponse(wire.StatusInvalidValue, "name")
		}
	}
	if up.SetImage && len(up.Image) > 0 {
		if len(up.Image) > validate.MaxImageBytes || !imagestore.ValidFormat(up.Image) {
			return errResponse(wire.StatusInvalidValue, "image")
		}
	}
	if up.SetLocation {
		if err := validate.Location(up.Latitude, up.Longitude); err != nil {
			return errResponse(wire.StatusInvalidValue, "location")
		}
	}
	if up.SetExtraData {
		if err := validate.ExtraData(up.ExtraData); err != nil {
			return errResponse(wire.StatusInvalidValue, "extraData")
		}
	}
	return nil
}

// handleUpdateProfile applies a partial profile update. A changed image is
// written to disk before the transaction and the displaced file is
// unlinked only after commit; a crash in between leaks a blob for the
// orphan sweeper.
func (s *Server) handleUpdateProfile(c *conn, msgID uint32, req *wire.Request) (*wire.Response, outcome) {
	up := req.Conversation.UpdateProfile

	var current *store.HostedIdentity
	err := s.store.InTx(c.ctx, nil, func(tx store.Tx) error {
		var err error
		current, err = tx.GetHosted(c.ctx, c.sess.IdentityID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return errResponse(wire.StatusNotFound, ""), outcomeContinue
	}
	if err != nil {
		slog.Error("profile lookup failed", "error", err)
		return errResponse(wire.StatusInternal, ""), outcomeContinue
	}
	wasInitialized := current.Initialized()
	if resp := validateUpdate(up, wasInitialized); resp != nil {
		return resp, outcomeContinue
	}

	// Stage the new image before touching the database.
	var newProfileID, newThumbnailID string
	if up.SetImage && len(up.Image) > 0 {
		var err error
		if newProfileID, err = s.images.Write(up.Image); err != nil {
			slog.Error("image staging failed", "error", err)
			return errResponse(wire.StatusInternal, ""), outcomeContinue
		}
		// The thumbnail shares the blob; a production deployment would
		// downscale here.
		if newThumbnailID, err = s.images.Write(up.Image); err != nil {
			s.images.RemoveAll([]string{newProfileID})
			slog.Error("image staging failed", "error", err)
			return errResponse(wire.StatusInternal, ""), outcomeContinue
		}
	}

	var oldImages []string
	actionType := store.ActionChangeProfile
	if !wasInitialized {
		actionType = store.ActionAddProfile
	}
	locks := []store.Lock{store.LockHostedIdentity, store.LockFollower, store.LockNeighborhoodAction}
	err = s.store.InTx(c.ctx, locks, func(tx store.Tx) error {
		oldImages = oldImages[:0]
		h, err := tx.GetHosted(c.ctx, c.sess.IdentityID)
		if err != nil {
			return err
		}
		if up.SetVersion {
			h.Version = up.Version
		}
		if up.SetName {
			h.Name = up.Name
		}
		if up.SetLocation {
			h.Latitude, h.Longitude = up.Latitude, up.Longitude
		}
		if up.SetExtraData {
			h.ExtraData = up.ExtraData
		}
		if up.SetImage {
			if h.ProfileImageID != "" {
				oldImages = append(oldImages, h.ProfileImageID)
			}
			if h.ThumbnailImageID != "" {
				oldImages = append(oldImages, h.ThumbnailImageID)
			}
			h.ProfileImageID = newProfileID
			h.ThumbnailImageID = newThumbnailID
		}
		if err := tx.UpdateHosted(c.ctx, h); err != nil {
			return err
		}
		produced, err := neighborhood.ProduceProfileActions(c.ctx, tx, actionType, h.IdentityID, time.Now())
		if err != nil {
			return err
		}
		if produced > 0 {
			s.metrics.ActionsProducedTotal.WithLabelValues(actionType.String()).Add(float64(produced))
		}
		return nil
	})
	if err != nil {
		// The transaction rolled back; the staged blobs are orphans.
		s.images.RemoveAll([]string{newProfileID, newThumbnailID})
		slog.Error("profile update failed", "error", err)
		return errResponse(wire.StatusInternal, ""), outcomeContinue
	}

	// Only after commit may the displaced blobs go.
	s.images.RemoveAll(oldImages)
	s.nbr.Signal()

	return &wire.Response{
		Status:       wire.StatusOk,
		Conversation: &wire.ConversationResponse{UpdateProfile: &wire.UpdateProfileResponse{}},
	}, outcomeContinue
}

// handleCancelHosting ends the hosting agreement. With a redirect the
// profile stays findable for the retention window; without one it expires
// immediately.
func (s *Server) handleCancelHosting(c *conn, msgID uint32, req *wire.Request) (*wire.Response, outcome) {
	cancel := req.Conversation.CancelHosting
	if cancel.Redirect && len(cancel.RedirectTargetID) != identity.IDSize {
		return errResponse(wire.StatusInvalidValue, "newHomeNodeNetworkId"), outcomeContinue
	}

	locks := []store.Lock{store.LockHostedIdentity, store.LockFollower, store.LockNeighborhoodAction}
	err := s.store.InTx(c.ctx, locks, func(tx store.Tx) error {
		h, err := tx.GetHosted(c.ctx, c.sess.IdentityID)
		if err != nil {
			return err
		}
		now := time.Now()
		expiration := now
		if cancel.Redirect {
			expiration = now.Add(s.cfg.Protocol.CancelRedirectRetention)
			h.HostingRedirectID = cancel.RedirectTargetID
		}
		h.ExpirationAt = &expiration
		// A never-initialized profile still needs a structured answer
		// for redirected lookups.
		if !h.Initialized() {
			h.Version = wire.ProtocolVersion.Bytes()
		}
		if err := tx.UpdateHosted(c.ctx, h); err != nil {
			return err
		}
		produced, err := neighborhood.ProduceProfileActions(c.ctx, tx, store.ActionRemoveProfile, h.IdentityID, now)
		if err != nil {
			return err
		}
		if produced > 0 {
			s.metrics.ActionsProducedTotal.WithLabelValues(store.ActionRemoveProfile.String()).Add(float64(produced))
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return errResponse(wire.StatusNotFound, ""), outcomeContinue
	}
	if err != nil {
		slog.Error("cancel hosting failed", "error", err)
		return errResponse(wire.StatusInternal, ""), outcomeContinue
	}
	s.nbr.Signal()

	slog.Info("hosting cancelled", "identity", identity.Short(c.sess.IdentityID),
		"redirect", cancel.Redirect)
	return &wire.Response{
		Status:       wire.StatusOk,
		Conversation: &wire.ConversationResponse{CancelHosting: &wire.CancelHostingAgreementResponse{}},
	}, outcomeContinue
}

// handleGetIdentityInformation answers a lookup by identity id. Online
// status and the service list come from the live session, images from the
// blob store.
func (s *Server) handleGetIdentityInformation(c *conn, msgID uint32, req *wire.Request) (*wire.Response, outcome) {
	get := req.Single.GetIdentityInformation
	if len(get.IdentityID) != identity.IDSize {
		return errResponse(wire.StatusInvalidValue, "identityNetworkId"), outcomeContinue
	}

	var hosted *store.HostedIdentity
	err := s.store.InTx(c.ctx, nil, func(tx store.Tx) error {
		var err error
		hosted, err = tx.GetHosted(c.ctx, get.IdentityID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return errResponse(wire.StatusNotFound, ""), outcomeContinue
	}
	if err != nil {
		slog.Error("identity lookup failed", "error", err)
		return errResponse(wire.StatusInternal, ""), outcomeContinue
	}

	info := &wire.GetIdentityInformationResponse{
		IsHosted:  !hosted.Cancelled(),
		PublicKey: hosted.PublicKey,
		Version:   hosted.Version,
		Name:      hosted.Name,
		Type:      hosted.Type,
		Latitude:  hosted.Latitude,
		Longitude: hosted.Longitude,
		ExtraData: hosted.ExtraData,
	}
	if hosted.Cancelled() && len(hosted.HostingRedirectID) > 0 {
		info.RedirectKnown = true
		info.RedirectTargetID = hosted.HostingRedirectID
	}
	if live, ok := s.registry.Lookup(get.IdentityID); ok {
		info.IsOnline = true
		if get.IncludeServices {
			info.Services = live.Services()
		}
	}
	if get.IncludeProfileImage && hosted.ProfileImageID != "" {
		if img, err := s.images.Read(hosted.ProfileImageID); err == nil {
			info.ProfileImage = img
		}
	}
	if get.IncludeThumbnail && hosted.ThumbnailImageID != "" {
		if img, err := s.images.Read(hosted.ThumbnailImageID); err == nil {
			info.ThumbnailImage = img
		}
	}

	return &wire.Response{
		Status: wire.StatusOk,
		Single: &wire.SingleResponse{
			Version:                wire.ProtocolVersion.Bytes(),
			GetIdentityInformation: info,
		},
	}, outcomeContinue
}

func (s *Server) handleAppServiceAdd(c *conn, msgID uint32, req *wire.Request) (*wire.Response, outcome) {
	add := req.Conversation.AppServiceAdd
	for _, name := range add.ServiceNames {
		if err := validate.ServiceName(name); err != nil {
			return errResponse(wire.StatusInvalidValue, "serviceNames"), outcomeContinue
		}
	}
	// All or nothing: count the genuinely new names against the cap
	// before touching the set.
	fresh := make(map[string]bool)
	for _, name := range add.ServiceNames {
		if !c.sess.HasService(name) {
			fresh[name] = true
		}
	}
	if len(c.sess.Services())+len(fresh) > validate.MaxServicesPerClient {
		return errResponse(wire.StatusQuotaExceeded, ""), outcomeContinue
	}
	for _, name := range add.ServiceNames {
		c.sess.AddService(name)
	}
	return &wire.Response{
		Status:       wire.StatusOk,
		Conversation: &wire.ConversationResponse{AppServiceAdd: &wire.ApplicationServiceAddResponse{}},
	}, outcomeContinue
}

func (s *Server) handleAppServiceRemove(c *conn, msgID uint32, req *wire.Request) (*wire.Response, outcome) {
	remove := req.Conversation.AppServiceRemove
	if !c.sess.RemoveService(remove.ServiceName) {
		return errResponse(wire.StatusNotFound, ""), outcomeContinue
	}
	return &wire.Response{
		Status:       wire.StatusOk,
		Conversation: &wire.ConversationResponse{AppServiceRemove: &wire.ApplicationServiceRemoveResponse{}},
	}, outcomeContinue
}
