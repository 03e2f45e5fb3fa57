// Package decryption holds the algorithm catalog and the one-layer-at-a-time
// decryption rule for encrypted files.
package decryption

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/signalsfoundry/sourcenet-core/model"
)

var (
	// ErrAlgorithmMissing means the player does not own the algorithm the
	// file's outer layer requires.
	ErrAlgorithmMissing = errors.New("required decryption algorithm not owned")
	// ErrUnknownAlgorithm means the file names an algorithm outside the catalog.
	ErrUnknownAlgorithm = errors.New("unknown decryption algorithm")
	// ErrNotEncrypted means there is no layer left to remove.
	ErrNotEncrypted = errors.New("file is not encrypted")
)

// DefaultAlgorithm applies to encrypted files that do not name one.
const DefaultAlgorithm = "aes-128"

// Algorithm is a catalog entry. Base algorithms are always available;
// the rest must be unlocked (purchased) first.
type Algorithm struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Base  bool   `json:"base"`
	Price int    `json:"price,omitempty"`
}

var catalog = map[string]Algorithm{
	"aes-128":  {ID: "aes-128", Name: "AES-128", Base: true},
	"aes-256":  {ID: "aes-256", Name: "AES-256", Base: true},
	"blowfish": {ID: "blowfish", Name: "Blowfish", Price: 1500},
	"twofish":  {ID: "twofish", Name: "Twofish", Price: 2500},
	"rsa-2048": {ID: "rsa-2048", Name: "RSA-2048", Price: 4000},
	"rsa-4096": {ID: "rsa-4096", Name: "RSA-4096", Price: 7500},
}

// Catalog returns every known algorithm sorted by id.
func Catalog() []Algorithm {
	out := make([]Algorithm, 0, len(catalog))
	for _, a := range catalog {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns the catalog entry for id.
func Lookup(id string) (Algorithm, bool) {
	a, ok := catalog[strings.ToLower(id)]
	return a, ok
}

// Required returns the algorithm id needed to remove f's outer layer.
func Required(f model.File) string {
	if f.Algorithm == "" {
		return DefaultAlgorithm
	}
	return strings.ToLower(f.Algorithm)
}

// Owns reports whether an algorithm is usable given the unlocked set.
// Base algorithms are always usable.
func Owns(owned []string, id string) bool {
	if a, ok := Lookup(id); ok && a.Base {
		return true
	}
	for _, o := range owned {
		if strings.EqualFold(o, id) {
			return true
		}
	}
	return false
}

// LayerCount reports how many encryption layers f still carries.
func LayerCount(f model.File) int {
	if !f.IsEncrypted() {
		return 0
	}
	layers := 1 + len(f.InnerLayers)
	if suffixes := countSuffixes(f.Name); suffixes > layers {
		layers = suffixes
	}
	return layers
}

// Check reports whether f's outer layer can be removed with owned. It
// returns nil, ErrNotEncrypted, ErrUnknownAlgorithm or ErrAlgorithmMissing.
func Check(f model.File, owned []string) error {
	if !f.IsEncrypted() {
		return fmt.Errorf("%w: %s", ErrNotEncrypted, f.Name)
	}
	req := Required(f)
	if _, ok := Lookup(req); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAlgorithm, req)
	}
	if !Owns(owned, req) {
		return fmt.Errorf("%w: %s needs %s", ErrAlgorithmMissing, f.Name, req)
	}
	return nil
}

// PeelLayer removes one encryption layer. The name loses one ".enc" suffix
// and the next inner algorithm (if any) becomes the outer one. On error f
// is returned unchanged.
func PeelLayer(f model.File, owned []string) (model.File, error) {
	if err := Check(f, owned); err != nil {
		return f, err
	}
	out := f.Clone()
	out.Name = strings.TrimSuffix(out.Name, model.EncryptedSuffix)

	if len(out.InnerLayers) > 0 {
		out.Algorithm = out.InnerLayers[0]
		out.InnerLayers = append([]string(nil), out.InnerLayers[1:]...)
		if len(out.InnerLayers) == 0 {
			out.InnerLayers = nil
		}
		out.Encrypted = true
		return out, nil
	}

	out.Algorithm = ""
	out.Encrypted = strings.HasSuffix(out.Name, model.EncryptedSuffix)
	return out, nil
}

func countSuffixes(name string) int {
	n := 0
	for strings.HasSuffix(name, model.EncryptedSuffix) {
		n++
		name = strings.TrimSuffix(name, model.EncryptedSuffix)
	}
	return n
}
