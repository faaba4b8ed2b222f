// Package nameparser maps a product filename to the structured metadata
// described in SPEC_FULL.md §4.1. The grammar and token classification
// sets are carried over from the original file-naming specification:
// nothing here is invented, it is a direct re-expression of a regex and
// a handful of membership tests.
package nameparser

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/jc-gonzalez/euc-qla-sqpf/internal/model"
)

// bnameRe matches MISSION_FUNC_INSTANCE_DATE[_MAJOR.MINOR].EXT against the
// basename with its extension stripped (the "sname" in the original
// implementation's terms).
var bnameRe = regexp.MustCompile(
	`^([A-Z]{3})_([A-Z0-9]{3})_([^_]+)_(20[0-9]+T[.0-9]+Z)(_([0-9]+\.[0-9]+))?$`,
)

const (
	spectralBands = "UBVRIJHKLMNQGZY"
)

var creators = map[string]bool{"NIR": true, "SIR": true, "VIS": true}

var dataTypes = map[string]bool{
	"CAT": true, "TRANS": true, "STACK": true, "MASK": true, "MAP": true,
	"PSF": true, "SPE1D": true, "MAP2DCOR": true, "TIPS": true,
}

// HeaderReader extracts an opaque metadata descriptor from a file's
// internal header (e.g. a FITS header). It is a pluggable dependency;
// production deployments supply a real reader, tests supply a stub.
type HeaderReader interface {
	ReadHeader(path string) (string, error)
}

// Parser parses product filenames and, for formats that carry an
// internal header, reads it via the injected HeaderReader.
type Parser struct {
	Header HeaderReader
}

func New(header HeaderReader) *Parser {
	return &Parser{Header: header}
}

// Parse extracts a Product from an absolute path. ok is false if the
// basename does not match the filename grammar; callers should drop the
// file and log a warning in that case, not treat it as an error.
func (p *Parser) Parse(path string, exists bool, size int64) (model.Product, bool) {
	base := filepath.Base(path)
	ext := strings.TrimPrefix(filepath.Ext(base), ".")
	sname := strings.TrimSuffix(base, "."+ext)
	if ext == "" {
		sname = base
	}

	m := bnameRe.FindStringSubmatch(sname)
	if m == nil {
		return model.Product{}, false
	}

	product := model.Product{
		Path:      path,
		Basename:  base,
		Name:      strings.TrimSuffix(sname, filepath.Ext(sname)),
		Extension: ext,
		Mission:   m[1],
		ProcFunc:  m[2],
		Instance:  m[3],
		Format:    strings.ToUpper(ext),
		Exists:    exists,
		Size:      size,
	}
	if m[6] != "" {
		product.Version = m[6]
	} else {
		product.NeedsVersion = true
	}

	parseInstance(m[3], &product)

	if product.Format == "FITS" && exists && p.Header != nil {
		if meta, err := p.Header.ReadHeader(path); err == nil {
			product.Meta = meta
		} else {
			product.Meta = "<none>"
		}
	}

	return product, true
}

// parseInstance re-tokenizes the INSTANCE group on '-' and classifies
// each token, deriving creator, exposure, obs_id, obs_mode, spectral
// band, data type, type, instrument and signature.
func parseInstance(instance string, product *model.Product) {
	tokens := strings.Split(instance, "-")
	var creator string
	var additional []string

	for _, tok := range tokens {
		switch {
		case len(tok) == 1 && strings.Contains(spectralBands, tok):
			product.SpectralBand = tok
		case len(tok) == 1 && isDigits(tok):
			product.Exposure, _ = strconv.Atoi(tok)
		case len(tok) == 1:
			product.ObsMode = tok
		case isDigits(tok) && len(tok) <= 3:
			product.Exposure, _ = strconv.Atoi(tok)
		case isDigits(tok):
			product.ObsID = tok
		case creators[tok]:
			creator = tok
		case dataTypes[tok]:
			product.DataType = tok
		default:
			additional = append(additional, tok)
		}
	}
	_ = additional // retained for parity with the original shape; not surfaced today

	if creator != "" && creator != product.ProcFunc {
		product.Type = product.ProcFunc + "_" + creator
	} else {
		product.Type = product.ProcFunc
	}
	if len(product.Type) >= 3 {
		product.Instrument = product.Type[len(product.Type)-3:]
	} else {
		product.Instrument = product.Type
	}

	product.Signature = product.ObsID + "-" + strconv.Itoa(product.Exposure) + "-" + product.ObsMode
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
