package featureselect

import (
	"bufio"
	_ "embed"
	"fmt"
	"io"
	"path"
	"strings"

	"cytoprofile/internal/profile"
)

//go:embed blocklist_features.txt
var defaultBlocklist string

// DefaultBlocklist returns the embedded list of features known to carry
// acquisition artefacts rather than biology.
func DefaultBlocklist() []string {
	out, err := LoadBlocklist(strings.NewReader(defaultBlocklist))
	if err != nil {
		panic(fmt.Errorf("embedded blocklist: %w", err))
	}
	return out
}

// LoadBlocklist reads one name or pattern per line. A leading "blocklist"
// header, blank lines and lines starting with # are skipped.
func LoadBlocklist(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if first {
			first = false
			if line == "blocklist" {
				continue
			}
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read blocklist: %w", err)
	}
	return out, nil
}

type matcher struct {
	exact    map[string]struct{}
	patterns []string
}

func newMatcher(entries []string) (*matcher, error) {
	m := &matcher{exact: make(map[string]struct{}, len(entries))}
	for _, e := range entries {
		if !strings.ContainsAny(e, "*?[") {
			m.exact[e] = struct{}{}
			continue
		}
		if _, err := path.Match(e, ""); err != nil {
			return nil, profile.Configf("bad blocklist pattern %q: %v", e, err)
		}
		m.patterns = append(m.patterns, e)
	}
	return m, nil
}

// match returns the entry that blocks name.
func (m *matcher) match(name string) (string, bool) {
	if _, ok := m.exact[name]; ok {
		return name, true
	}
	for _, p := range m.patterns {
		if ok, _ := path.Match(p, name); ok {
			return p, true
		}
	}
	return "", false
}
