// Package classify decides whether a requested basename is a cacheable
// static artifact, a mutable index file subject to revalidation, or
// forbidden (refused with 403 to keep the server from being used as an
// open relay for arbitrary paths).
package classify

import "regexp"

// Kind is the classification result for a basename.
type Kind int

const (
	Forbidden Kind = iota
	Static
	Index
)

// DefaultStaticPatterns are the opaque, content-addressable artifacts this
// server caches indefinitely: Debian/Ubuntu and Red Hat/Fedora packages,
// source tarballs, and their detached signatures.
var DefaultStaticPatterns = []string{
	`\.deb$`,
	`\.udeb$`,
	`\.rpm$`,
	`\.dsc$`,
	`\.tar\.(gz|xz|bz2|zst)$`,
	`\.diff\.gz$`,
	`\.changes$`,
	`\.buildinfo$`,
	`\.asc$`,
	`\.gpg$`,
	`\.sig$`,
}

// DefaultIndexPatterns are mutable repository metadata files that must be
// revalidated against the origin rather than cached forever.
var DefaultIndexPatterns = []string{
	`^Release$`,
	`^InRelease$`,
	`^Release\.gpg$`,
	`^Packages(\.(gz|xz|bz2))?$`,
	`^Sources(\.(gz|xz|bz2))?$`,
	`^Contents-.*(\.(gz|xz|bz2))?$`,
	`^repomd\.xml(\.asc)?$`,
	`^.*\.sqlite(\.bz2)?$`,
	`^comps.*\.xml(\.gz)?$`,
	`^updateinfo\.xml\.gz$`,
}

// Classifier holds the compiled regex sets loaded at startup.
type Classifier struct {
	static []*regexp.Regexp
	index  []*regexp.Regexp
}

// New compiles staticPatterns and indexPatterns. A nil slice for either
// argument uses the corresponding Default* set.
func New(staticPatterns, indexPatterns []string) (*Classifier, error) {
	if staticPatterns == nil {
		staticPatterns = DefaultStaticPatterns
	}
	if indexPatterns == nil {
		indexPatterns = DefaultIndexPatterns
	}

	c := &Classifier{}
	for _, p := range staticPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		c.static = append(c.static, re)
	}
	for _, p := range indexPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		c.index = append(c.index, re)
	}
	return c, nil
}

// Classify returns the Kind for basename.
func (c *Classifier) Classify(basename string) Kind {
	for _, re := range c.index {
		if re.MatchString(basename) {
			return Index
		}
	}
	for _, re := range c.static {
		if re.MatchString(basename) {
			return Static
		}
	}
	return Forbidden
}
