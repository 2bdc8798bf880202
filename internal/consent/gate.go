package consent

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/errkind"
)

var (
	ErrInvalidAge             = errkind.Sentinel(errkind.InvalidAge)
	ErrConsentRequired        = errkind.Sentinel(errkind.ConsentRequired)
	ErrGuardianContactMissing = errkind.Sentinel(errkind.GuardianContactMissing)
)

// Record is the auditable outcome of an approved consent evaluation.
type Record struct {
	SubjectID            string    `json:"subject_id,omitempty"`
	SubjectAge           int       `json:"subject_age"`
	GuardianConsentGiven bool      `json:"guardian_consent_given"`
	GuardianEmail        string    `json:"guardian_email,omitempty"`
	DecidedAt            time.Time `json:"decided_at"`
}

// Gate decides whether voice capture may proceed for a subject.
type Gate struct {
	cfg      config.ConsentConfig
	validate *validator.Validate
	clock    func() time.Time
}

func NewGate(cfg config.ConsentConfig) *Gate {
	return &Gate{
		cfg:      cfg,
		validate: validator.New(),
		clock:    time.Now,
	}
}

// Evaluate has no side effects; persisting the returned Record is up to the caller.
func (g *Gate) Evaluate(subjectAge int, guardianConsentGiven bool, guardianEmail string) (Record, error) {
	if subjectAge < g.cfg.MinAge || subjectAge > g.cfg.MaxAge {
		return Record{}, errkind.New(errkind.InvalidAge, "subject age %d is outside [%d, %d]", subjectAge, g.cfg.MinAge, g.cfg.MaxAge)
	}

	email := strings.TrimSpace(guardianEmail)
	if subjectAge < g.cfg.MajorityAge {
		if !guardianConsentGiven {
			return Record{}, errkind.New(errkind.ConsentRequired, "guardian approval is required for subjects under %d", g.cfg.MajorityAge)
		}
		if email == "" {
			return Record{}, errkind.New(errkind.GuardianContactMissing, "guardian email is required for subjects under %d", g.cfg.MajorityAge)
		}
		if g.cfg.ValidateEmail {
			if err := g.validate.Var(email, "email"); err != nil {
				return Record{}, errkind.New(errkind.GuardianContactMissing, "guardian email is not a valid address")
			}
		}
	}

	return Record{
		SubjectAge:           subjectAge,
		GuardianConsentGiven: guardianConsentGiven,
		GuardianEmail:        email,
		DecidedAt:            g.clock().UTC(),
	}, nil
}

// Authorizes reports whether r satisfies the guardian invariant under majority.
func (r Record) Authorizes(majority int) bool {
	if r.SubjectAge >= majority {
		return true
	}
	return r.GuardianConsentGiven && strings.TrimSpace(r.GuardianEmail) != ""
}
