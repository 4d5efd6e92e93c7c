package artifact

import (
	"fmt"
	"strconv"
	"strings"

	"cytoprofile/internal/profile"
)

// Blob metadata keys. S3 lower-cases user metadata, so these are lower case.
const (
	MetaLayout      = "cytoprofile-layout"
	MetaCompression = "cytoprofile-compression"
	MetaRows        = "cytoprofile-rows"
)

var roleCode = map[profile.Role]byte{profile.RoleMetadata: 'M', profile.RoleFeature: 'F'}

var kindCode = map[profile.Kind]byte{
	profile.KindNull:   'n',
	profile.KindInt:    'i',
	profile.KindFloat:  'f',
	profile.KindString: 's',
}

// encodeLayout run-length encodes role and type per column, e.g. "Ms3Ff120".
// Wide profiles have thousands of columns but few runs, which keeps the
// value well under object-metadata size limits.
func encodeLayout(s *profile.Schema) string {
	var b strings.Builder
	for i := 0; i < s.Len(); {
		c := s.Column(i)
		j := i + 1
		for j < s.Len() && s.Column(j).Role == c.Role && s.Column(j).Type == c.Type {
			j++
		}
		b.WriteByte(roleCode[c.Role])
		b.WriteByte(kindCode[c.Type])
		b.WriteString(strconv.Itoa(j - i))
		i = j
	}
	return b.String()
}

// decodeLayout applies an encoded layout to header names.
func decodeLayout(layout string, names []string) (*profile.Schema, error) {
	cols := make([]profile.Column, 0, len(names))
	for pos := 0; pos < len(layout); {
		if pos+2 >= len(layout) {
			return nil, fmt.Errorf("layout %q truncated", layout)
		}
		role, ok := decodeRole(layout[pos])
		if !ok {
			return nil, fmt.Errorf("layout %q: bad role %q", layout, layout[pos])
		}
		kind, ok := decodeKind(layout[pos+1])
		if !ok {
			return nil, fmt.Errorf("layout %q: bad type %q", layout, layout[pos+1])
		}
		end := pos + 2
		for end < len(layout) && layout[end] >= '0' && layout[end] <= '9' {
			end++
		}
		n, err := strconv.Atoi(layout[pos+2 : end])
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("layout %q: bad run length", layout)
		}
		for k := 0; k < n; k++ {
			if len(cols) == len(names) {
				return nil, fmt.Errorf("layout describes more than %d columns", len(names))
			}
			cols = append(cols, profile.Column{Name: names[len(cols)], Role: role, Type: kind})
		}
		pos = end
	}
	if len(cols) != len(names) {
		return nil, fmt.Errorf("layout describes %d columns, header has %d", len(cols), len(names))
	}
	return profile.NewSchema(cols...)
}

func decodeRole(b byte) (profile.Role, bool) {
	for r, c := range roleCode {
		if c == b {
			return r, true
		}
	}
	return 0, false
}

func decodeKind(b byte) (profile.Kind, bool) {
	for k, c := range kindCode {
		if c == b {
			return k, true
		}
	}
	return 0, false
}
