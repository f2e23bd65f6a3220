// Package profile manages the customer identity record that loan
// submissions snapshot.
package profile

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"loanflow/apperr"
	"loanflow/auth"
	"loanflow/blob"
	"loanflow/db"
)

var (
	// ErrAlreadyCompleted signals a second Complete for the same user.
	ErrAlreadyCompleted = apperr.Rule("profile: already completed, use update instead")

	nikPattern   = regexp.MustCompile(`^\d{16}$`)
	phonePattern = regexp.MustCompile(`^\+?\d{9,15}$`)
	npwpPattern  = regexp.MustCompile(`^\d{15,16}$`)
)

// Store is the persistence contract of profiles.
type Store interface {
	GetByUser(ctx context.Context, q db.Querier, userID string) (Profile, error)
	Conflict(ctx context.Context, nik, phone, npwp, exceptUserID string) (string, error)
	Insert(ctx context.Context, p Profile) (Profile, error)
	Update(ctx context.Context, p Profile) (Profile, error)
}

// Service completes, updates and reads customer profiles.
type Service struct {
	store  Store
	reader db.Querier
	blobs  blob.Store
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store Store, reader db.Querier, blobs blob.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, reader: reader, blobs: blobs, logger: logger, now: time.Now}
}

// Get returns the actor's own profile.
func (s *Service) Get(ctx context.Context, actor auth.Actor) (Profile, error) {
	return s.store.GetByUser(ctx, s.reader, actor.ID)
}

// Complete creates the customer's profile. The KTP photo is mandatory.
func (s *Service) Complete(ctx context.Context, actor auth.Actor, req Request) (Profile, error) {
	if actor.Role != auth.RoleCustomer {
		return Profile{}, apperr.Rule("profile: only customers have a profile")
	}
	if _, err := s.store.GetByUser(ctx, s.reader, actor.ID); err == nil {
		return Profile{}, ErrAlreadyCompleted
	} else if !isNotFound(err) {
		return Profile{}, err
	}
	if req.KTPPhoto == nil {
		return Profile{}, apperr.Rule("profile: KTP photo is required")
	}
	p, err := s.validate(ctx, req, "")
	if err != nil {
		return Profile{}, err
	}
	p.UserID = actor.ID

	written, err := s.storeUploads(ctx, &p, req)
	if err != nil {
		s.discard(ctx, written)
		return Profile{}, err
	}
	out, err := s.store.Insert(ctx, p)
	if err != nil {
		s.discard(ctx, written)
		return Profile{}, err
	}
	s.logger.Info("profile completed", zap.String("user_id", actor.ID))
	return out, nil
}

// Update rewrites the profile. Photos left nil keep their current blob;
// replaced blobs are deleted after the row is saved.
func (s *Service) Update(ctx context.Context, actor auth.Actor, req Request) (Profile, error) {
	current, err := s.store.GetByUser(ctx, s.reader, actor.ID)
	if err != nil {
		return Profile{}, err
	}
	p, err := s.validate(ctx, req, actor.ID)
	if err != nil {
		return Profile{}, err
	}
	p.ID, p.UserID = current.ID, current.UserID
	p.KTPPhoto, p.ProfilePhoto, p.NPWPPhoto = current.KTPPhoto, current.ProfilePhoto, current.NPWPPhoto

	written, err := s.storeUploads(ctx, &p, req)
	if err != nil {
		s.discard(ctx, written)
		return Profile{}, err
	}
	out, err := s.store.Update(ctx, p)
	if err != nil {
		s.discard(ctx, written)
		return Profile{}, err
	}

	var replaced []string
	for _, pair := range [][2]string{
		{current.KTPPhoto, out.KTPPhoto},
		{current.ProfilePhoto, out.ProfilePhoto},
		{current.NPWPPhoto, out.NPWPPhoto},
	} {
		if pair[0] != "" && pair[0] != pair[1] {
			replaced = append(replaced, pair[0])
		}
	}
	s.discard(ctx, replaced)
	return out, nil
}

func (s *Service) validate(ctx context.Context, req Request, exceptUserID string) (Profile, error) {
	p := Profile{
		FullName:    strings.TrimSpace(req.FullName),
		PhoneNumber: strings.TrimSpace(req.PhoneNumber),
		Address:     strings.TrimSpace(req.Address),
		NIK:         strings.TrimSpace(req.NIK),
		BirthDate:   req.BirthDate,
	}
	if npwp := strings.TrimSpace(req.NPWPNumber); npwp != "" {
		if !npwpPattern.MatchString(npwp) {
			return Profile{}, apperr.Rule("profile: NPWP number must be 15 or 16 digits")
		}
		p.NPWPNumber = &npwp
	}
	switch {
	case p.FullName == "" || p.Address == "":
		return Profile{}, apperr.Rule("profile: full name and address are required")
	case !nikPattern.MatchString(p.NIK):
		return Profile{}, apperr.Rule("profile: NIK must be 16 digits")
	case !phonePattern.MatchString(p.PhoneNumber):
		return Profile{}, apperr.Rule("profile: invalid phone number")
	case p.BirthDate.IsZero() || !p.BirthDate.Before(s.now()):
		return Profile{}, apperr.Rule("profile: birth date must be in the past")
	}

	npwp := ""
	if p.NPWPNumber != nil {
		npwp = *p.NPWPNumber
	}
	field, err := s.store.Conflict(ctx, p.NIK, p.PhoneNumber, npwp, exceptUserID)
	if err != nil {
		return Profile{}, err
	}
	if field != "" {
		return Profile{}, apperr.Rule("profile: %s is already used by another user", field)
	}
	return p, nil
}

// storeUploads writes the supplied photos and points p at them. It returns
// every ref it wrote so the caller can undo them.
func (s *Service) storeUploads(ctx context.Context, p *Profile, req Request) ([]string, error) {
	var written []string
	for _, u := range []struct {
		up  *Upload
		dst *string
	}{
		{req.KTPPhoto, &p.KTPPhoto},
		{req.ProfilePhoto, &p.ProfilePhoto},
		{req.NPWPPhoto, &p.NPWPPhoto},
	} {
		if u.up == nil {
			continue
		}
		ref, err := s.blobs.Store(ctx, blob.DirProfiles, u.up.Filename, u.up.Content)
		if err != nil {
			return written, apperr.Storage("profile: store photo", err)
		}
		written = append(written, ref)
		*u.dst = ref
	}
	return written, nil
}

func (s *Service) discard(ctx context.Context, refs []string) {
	for _, ref := range refs {
		if err := s.blobs.Delete(ctx, ref); err != nil {
			s.logger.Warn("blob cleanup failed", zap.String("ref", ref), zap.Error(err))
		}
	}
}

func isNotFound(err error) bool {
	return apperr.KindOf(err) == apperr.ErrNotFound
}
