package merge

import (
	"strings"

	"cytoprofile/internal/linker"
	"cytoprofile/internal/profile"
)

// MetadataPrefix marks merged metadata columns.
const MetadataPrefix = "Metadata_"

type projection struct{ src, dst int }

// tableLayout says which columns to scan from one table and where each lands
// in the merged row.
type tableLayout struct {
	table  string
	scan   []string
	index  map[string]int
	keyIdx []int
	proj   []projection
}

type layout struct {
	schema *profile.Schema
	comps  []tableLayout // merge order, leaf first
	image  tableLayout
}

type slot struct {
	col   profile.Column
	table int // index into comps, or -1 for the image
	src   int
}

func buildLayout(plan *linker.Plan, infos map[string][]ColumnInfo) (*layout, error) {
	order := plan.Compartments()
	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	keys := make(map[string]struct{}, len(plan.MergeKeys))
	for _, k := range plan.MergeKeys {
		keys[k] = struct{}{}
	}
	var meta, feats []slot

	img := tableLayout{table: plan.Image}
	imgTypes := types(infos[plan.Image])
	for _, group := range [][]string{plan.MergeKeys, plan.Strata, plan.ImageColumns} {
		for _, c := range group {
			if _, dup := img.indexOf(c); dup {
				continue
			}
			img.add(c)
			name := c
			if _, isKey := keys[c]; isKey && !strings.HasPrefix(c, MetadataPrefix) {
				name = MetadataPrefix + c
			}
			meta = append(meta, slot{col: profile.Meta(name, imgTypes[c]), table: -1, src: len(img.scan) - 1})
		}
	}
	img.keyIdx = img.positions(plan.MergeKeys)

	comps := make([]tableLayout, len(order))
	for i, name := range order {
		comps[i] = tableLayout{table: name}
	}
	for _, name := range plan.Declared {
		i := pos[name]
		tl := &comps[i]
		fks := make(map[string]struct{})
		for _, fk := range plan.ForeignKeys(name) {
			fks[fk] = struct{}{}
		}
		for _, info := range infos[name] {
			tl.add(info.Name)
			src := len(tl.scan) - 1
			if _, isKey := keys[info.Name]; isKey {
				continue
			}
			_, isFK := fks[info.Name]
			switch {
			case info.Name == plan.ObjectColumn || isFK:
				meta = append(meta, slot{col: profile.Meta(MetadataPrefix+namespaced(name, info.Name), info.Type), table: i, src: src})
			case strings.HasPrefix(info.Name, MetadataPrefix):
				meta = append(meta, slot{col: profile.Meta(MetadataPrefix+name+"_"+strings.TrimPrefix(info.Name, MetadataPrefix), info.Type), table: i, src: src})
			case info.Type == profile.KindString || info.Type == profile.KindNull:
				meta = append(meta, slot{col: profile.Meta(MetadataPrefix+namespaced(name, info.Name), info.Type), table: i, src: src})
			default:
				feats = append(feats, slot{col: profile.Feature(namespaced(name, info.Name), info.Type), table: i, src: src})
			}
		}
		tl.keyIdx = tl.positions(plan.MergeKeys)
	}

	cols := make([]profile.Column, 0, len(meta)+len(feats))
	for dst, s := range append(meta, feats...) {
		cols = append(cols, s.col)
		p := projection{src: s.src, dst: dst}
		if s.table < 0 {
			img.proj = append(img.proj, p)
		} else {
			comps[s.table].proj = append(comps[s.table].proj, p)
		}
	}
	schema, err := profile.NewSchema(cols...)
	if err != nil {
		return nil, err
	}
	return &layout{schema: schema, comps: comps, image: img}, nil
}

// namespaced prefixes a compartment column with its compartment unless the
// source already did.
func namespaced(compartment, column string) string {
	if strings.HasPrefix(column, compartment+"_") {
		return column
	}
	return compartment + "_" + column
}

func types(infos []ColumnInfo) map[string]profile.Kind {
	out := make(map[string]profile.Kind, len(infos))
	for _, c := range infos {
		out[c.Name] = c.Type
	}
	return out
}

func (t *tableLayout) add(name string) {
	if t.index == nil {
		t.index = make(map[string]int)
	}
	t.index[name] = len(t.scan)
	t.scan = append(t.scan, name)
}

func (t *tableLayout) indexOf(name string) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

func (t *tableLayout) positions(names []string) []int {
	out := make([]int, len(names))
	for i, n := range names {
		out[i] = t.index[n]
	}
	return out
}
