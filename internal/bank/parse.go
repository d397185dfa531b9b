package bank

import (
	"bufio"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
)

//go:embed data/categories.txt
var defaultCategories string

const strictSuffix = ":strict"

type section struct {
	name      string
	broad     []string
	strict    []string
	hasStrict bool
	advisory  string
}

// ParseCategories reads the category list format:
//
//	# comment
//	[Name]
//	message = advisory shown to the reader
//	fragment one, fragment two
//	[Name:strict]
//	high precision fragment
//
// Fragments are trusted matcher source and are not escaped. A category without
// a strict section uses its broad fragments for the strict matcher too.
func ParseCategories(r io.Reader, logger *zap.Logger) (*Bank, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		order     []*section
		byName    = map[string]*section{}
		cur       *section
		curStrict bool
		lineNo    int
	)

	get := func(name string) *section {
		if s, ok := byName[name]; ok {
			return s
		}
		s := &section{name: name}
		byName[name] = s
		order = append(order, s)
		return s
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			header := strings.TrimSpace(line[1 : len(line)-1])
			curStrict = false
			if strings.HasSuffix(strings.ToLower(header), strictSuffix) {
				header = strings.TrimSpace(header[:len(header)-len(strictSuffix)])
				curStrict = true
			}
			if header == "" {
				logger.Warn("category config: empty section header", zap.Int("line", lineNo))
				cur = nil
				continue
			}
			cur = get(header)
			if curStrict {
				cur.hasStrict = true
			}
			continue
		}

		if cur == nil {
			logger.Warn("category config: fragment outside any section", zap.Int("line", lineNo))
			continue
		}

		if key, val, ok := strings.Cut(line, "="); ok && strings.EqualFold(strings.TrimSpace(key), "message") {
			cur.advisory = strings.TrimSpace(val)
			continue
		}

		frags := splitFragments(line)
		if curStrict {
			cur.strict = append(cur.strict, frags...)
		} else {
			cur.broad = append(cur.broad, frags...)
		}
	}
	if err := sc.Err(); err != nil {
		return Empty(), fmt.Errorf("read category config: %w", err)
	}

	categories := make([]Category, 0, len(order))
	for _, s := range order {
		categories = append(categories, s.compile(logger))
	}
	b := NewBank(categories)
	if b.IsEmpty() {
		return b, ErrEmptyBank
	}
	return b, nil
}

func (s *section) compile(logger *zap.Logger) Category {
	broad, errs := CompileMatcher(s.broad)
	for _, err := range errs {
		logger.Warn("category config: dropped broad fragment", zap.String("category", s.name), zap.Error(err))
	}
	if broad.Empty() {
		logger.Warn("category config: category has no usable fragments and will never match", zap.String("category", s.name))
	}

	c := Category{
		Name:     s.name,
		Broad:    broad,
		Advisory: s.advisory,
	}
	if c.Advisory == "" {
		c.Advisory = DefaultAdvisory(s.name)
	}

	if !s.hasStrict {
		c.Strict = broad
		c.StrictDefaulted = true
		return c
	}
	strict, errs := CompileMatcher(s.strict)
	for _, err := range errs {
		logger.Warn("category config: dropped strict fragment", zap.String("category", s.name), zap.Error(err))
	}
	c.Strict = strict
	return c
}

func splitFragments(line string) []string {
	parts := strings.Split(line, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadCategories reads categories from path, or from the embedded defaults when
// path is empty. On failure it returns an empty bank alongside the error so
// callers can keep running and abort scans gracefully.
func LoadCategories(path string, logger *zap.Logger) (*Bank, error) {
	if strings.TrimSpace(path) == "" {
		return ParseCategories(strings.NewReader(defaultCategories), logger)
	}
	f, err := os.Open(path)
	if err != nil {
		return Empty(), fmt.Errorf("open category config: %w", err)
	}
	defer f.Close()
	return ParseCategories(f, logger)
}
