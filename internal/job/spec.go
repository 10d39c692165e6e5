// Package job describes relay jobs: the immutable specification handed to the
// supervisor and the destination kinds it knows how to publish to.
package job

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/secure/precis"
)

// ErrInvalid is wrapped by every validation failure returned from Validate.
var ErrInvalid = errors.New("invalid job specification")

// DefaultTitle labels jobs submitted without a title.
const DefaultTitle = "Untitled"

// SourceKind names the family of an input source.
type SourceKind string

const (
	SourceHLS     SourceKind = "hls"
	SourceFile    SourceKind = "file"
	SourceYouTube SourceKind = "youtube"
	SourceDASH    SourceKind = "dash"
)

// Spec is the immutable description of one relay job. It is passed and
// stored by value; changing a running job means stopping it and creating a
// new one.
type Spec struct {
	SessionID   string     `json:"-"`
	Source      string     `json:"source"`
	Destination string     `json:"destination"`
	Decryption  string     `json:"decryption,omitempty"`
	Title       string     `json:"title"`
	SourceKind  SourceKind `json:"sourceKind,omitempty"`
}

// NewID returns a fresh random session identifier.
func NewID() string {
	return uuid.NewString()
}

// Normalize trims every field, canonicalizes the title for display and fills
// in the source kind when the caller did not provide one.
func (s Spec) Normalize() Spec {
	s.SessionID = strings.TrimSpace(s.SessionID)
	s.Source = strings.TrimSpace(s.Source)
	s.Destination = strings.TrimSpace(s.Destination)
	s.Decryption = strings.TrimSpace(s.Decryption)
	s.Title = normalizeTitle(s.Title)
	kind := SourceKind(strings.ToLower(strings.TrimSpace(string(s.SourceKind))))
	if kind == "" {
		kind = InferSourceKind(s.Source)
	}
	s.SourceKind = kind
	return s
}

// Validate reports the first problem that would stop the job from being
// launched. Every returned error wraps ErrInvalid.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.SessionID) == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalid)
	}
	if strings.TrimSpace(s.Source) == "" {
		return fmt.Errorf("%w: source is required", ErrInvalid)
	}
	if err := validateDestination(s.Destination); err != nil {
		return err
	}
	if strings.TrimSpace(s.Decryption) != "" {
		if _, ok := ParseDecryption(s.Decryption); !ok {
			return fmt.Errorf("%w: decryption material must be keyid:key", ErrInvalid)
		}
	}
	switch s.SourceKind {
	case "", SourceHLS, SourceFile, SourceYouTube, SourceDASH:
	default:
		return fmt.Errorf("%w: unknown source kind %q", ErrInvalid, s.SourceKind)
	}
	return nil
}

func validateDestination(locator string) error {
	trimmed := strings.TrimSpace(locator)
	if trimmed == "" {
		return fmt.Errorf("%w: destination is required", ErrInvalid)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("%w: destination: %v", ErrInvalid, err)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: destination host is required", ErrInvalid)
	}
	if KindOf(trimmed) == KindUnknown {
		return fmt.Errorf("%w: unsupported destination scheme %q", ErrInvalid, u.Scheme)
	}
	return nil
}

// InferSourceKind guesses the source family from the locator's extension.
func InferSourceKind(source string) SourceKind {
	trimmed := strings.TrimSpace(source)
	if u, err := url.Parse(trimmed); err == nil && u.Path != "" {
		trimmed = u.Path
	}
	switch strings.ToLower(path.Ext(trimmed)) {
	case ".m3u8", ".m3u":
		return SourceHLS
	case ".mpd":
		return SourceDASH
	default:
		return SourceFile
	}
}

// Decryption holds parsed key material for encrypted manifests.
type Decryption struct {
	KeyID string
	Key   string
}

// ParseDecryption splits keyid:key material. ok is false unless there are
// exactly two non-empty components.
func ParseDecryption(material string) (Decryption, bool) {
	parts := strings.Split(strings.TrimSpace(material), ":")
	if len(parts) != 2 {
		return Decryption{}, false
	}
	keyID := strings.TrimSpace(parts[0])
	key := strings.TrimSpace(parts[1])
	if keyID == "" || key == "" {
		return Decryption{}, false
	}
	return Decryption{KeyID: keyID, Key: key}, true
}

func normalizeTitle(title string) string {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return DefaultTitle
	}
	canonical, err := precis.Nickname.String(trimmed)
	if err != nil || canonical == "" {
		return trimmed
	}
	return canonical
}
