package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Dyastin-0/lanshare/types"
)

var ErrInvalidMode = errors.New("sharing mode must be auto or manual")

// Share is the node's single offering and how requests for it are approved.
type Share struct {
	mu       sync.Mutex
	offering *types.Offering
	mode     string
}

func NewShare(mode string) *Share {
	if mode != ModeAuto {
		mode = ModeManual
	}
	return &Share{mode: mode}
}

// Offer replaces the offering with path. Directory sizes are the sum of
// the files a batch transfer would send.
func (s *Share) Offer(path string) (*types.Offering, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("offer %s: %w", path, err)
	}

	size := info.Size()
	if info.IsDir() {
		entries, err := ScanDirectory(abs)
		if err != nil {
			return nil, fmt.Errorf("offer %s: %w", path, err)
		}
		size = totalSize(entries)
	}

	o := &types.Offering{
		Filename: filepath.Base(abs),
		Size:     size,
		FilePath: abs,
	}

	s.mu.Lock()
	s.offering = o
	s.mu.Unlock()

	c := *o
	return &c, nil
}

func (s *Share) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.offering = nil
}

// Offering returns a copy of the current offering, or nil.
func (s *Share) Offering() *types.Offering {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.offering == nil {
		return nil
	}
	c := *s.offering
	return &c
}

// Public is the offering as announced to peers, without the local path.
func (s *Share) Public() *types.Offering {
	o := s.Offering()
	if o != nil {
		o.FilePath = ""
	}
	return o
}

// Match returns the offering when fileName names it.
func (s *Share) Match(fileName string) (*types.Offering, bool) {
	o := s.Offering()
	if o == nil || o.Filename != fileName {
		return nil, false
	}
	return o, true
}

func (s *Share) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mode
}

func (s *Share) SetMode(mode string) error {
	if mode != ModeAuto && mode != ModeManual {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.mode = mode
	return nil
}
