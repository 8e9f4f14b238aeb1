package mergeengine

import (
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// MergeRegionType classifies one region of a line-level three-way merge.
type MergeRegionType int

const (
	RegionContext MergeRegionType = iota
	RegionBase    // change taken from base (ours == theirs, clean)
	RegionOurs
	RegionTheirs
	RegionConflict
)

// MergeRegion is one contiguous range of a diff3-style line merge.
type MergeRegion struct {
	Type        MergeRegionType
	BaseLines   []string
	OursLines   []string
	TheirsLines []string
}

type editType int

const (
	editKeep editType = iota
	editDelete
	editInsert
)

type edit struct {
	Type    editType
	OldLine int
	NewLine int
}

type editBlock struct {
	baseStart int
	baseEnd   int
	newLines  []string
}

// computeLineEdits diffs oldLines against newLines at line granularity using
// diffmatchpatch's line-mode diff (DiffLinesToChars/DiffCharsToLines), then
// expands the result into the same Keep/Delete/Insert edit script the
// block-building/merge-walk stages below consume.
func computeLineEdits(oldLines, newLines []string) []edit {
	dmp := diffmatchpatch.New()
	oldText, newText, lineArray := dmp.DiffLinesToChars(strings.Join(oldLines, "\n"), strings.Join(newLines, "\n"))
	diffs := dmp.DiffMain(oldText, newText, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var edits []edit
	oldIdx, newIdx := 0, 0
	for _, d := range diffs {
		lines := splitNonEmpty(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			for range lines {
				edits = append(edits, edit{Type: editKeep, OldLine: oldIdx, NewLine: newIdx})
				oldIdx++
				newIdx++
			}
		case diffmatchpatch.DiffDelete:
			for range lines {
				edits = append(edits, edit{Type: editDelete, OldLine: oldIdx})
				oldIdx++
			}
		case diffmatchpatch.DiffInsert:
			for range lines {
				edits = append(edits, edit{Type: editInsert, NewLine: newIdx})
				newIdx++
			}
		}
	}
	return edits
}

func splitNonEmpty(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func editsToBlocks(edits []edit, oldLines, newLines []string) []editBlock {
	var blocks []editBlock
	i := 0
	for i < len(edits) {
		if edits[i].Type == editKeep {
			i++
			continue
		}
		block := editBlock{baseStart: -1, baseEnd: -1}
		for i < len(edits) && edits[i].Type != editKeep {
			switch edits[i].Type {
			case editDelete:
				if block.baseStart == -1 {
					block.baseStart = edits[i].OldLine
				}
				block.baseEnd = edits[i].OldLine + 1
			case editInsert:
				if edits[i].NewLine < len(newLines) {
					block.newLines = append(block.newLines, newLines[edits[i].NewLine])
				}
			case editKeep:
			}
			i++
		}
		if block.baseStart == -1 {
			if i < len(edits) {
				block.baseStart = edits[i].OldLine
			} else {
				block.baseStart = len(oldLines)
			}
			block.baseEnd = block.baseStart
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// mergeLines runs a diff3-style walk over baseLines, interleaving the edit
// blocks from ours and theirs, classifying each region as context,
// ours-only, theirs-only, identical-on-both-sides, or conflicting.
func mergeLines(baseLines, oursLines, theirsLines []string) []MergeRegion {
	blocksOurs := editsToBlocks(computeLineEdits(baseLines, oursLines), baseLines, oursLines)
	blocksTheirs := editsToBlocks(computeLineEdits(baseLines, theirsLines), baseLines, theirsLines)

	sort.Slice(blocksOurs, func(i, j int) bool { return blocksOurs[i].baseStart < blocksOurs[j].baseStart })
	sort.Slice(blocksTheirs, func(i, j int) bool { return blocksTheirs[i].baseStart < blocksTheirs[j].baseStart })

	var regions []MergeRegion
	io, it := 0, 0
	pos := 0

	appendContext := func(from, to int) {
		if from >= to {
			return
		}
		regions = append(regions, MergeRegion{Type: RegionContext, BaseLines: copyRange(baseLines, from, to)})
	}

	for io < len(blocksOurs) || it < len(blocksTheirs) {
		var bo, bt *editBlock
		if io < len(blocksOurs) {
			bo = &blocksOurs[io]
		}
		if it < len(blocksTheirs) {
			bt = &blocksTheirs[it]
		}

		switch {
		case bo != nil && bt != nil && overlap(*bo, *bt):
			start := min2(bo.baseStart, bt.baseStart)
			appendContext(pos, start)
			end := max2(bo.baseEnd, bt.baseEnd)

			oursLines := append([]string{}, blocksOurs[io].newLines...)
			io++
			for io < len(blocksOurs) && blocksOurs[io].baseStart < end {
				oursLines = append(oursLines, blocksOurs[io].newLines...)
				end = max2(end, blocksOurs[io].baseEnd)
				io++
			}
			theirs := append([]string{}, blocksTheirs[it].newLines...)
			it++
			for it < len(blocksTheirs) && blocksTheirs[it].baseStart < end {
				theirs = append(theirs, blocksTheirs[it].newLines...)
				end = max2(end, blocksTheirs[it].baseEnd)
				it++
			}

			base := copyRange(baseLines, pos, end)
			if linesEqual(oursLines, theirs) {
				regions = append(regions, MergeRegion{Type: RegionBase, BaseLines: base, OursLines: oursLines, TheirsLines: theirs})
			} else {
				regions = append(regions, MergeRegion{Type: RegionConflict, BaseLines: base, OursLines: oursLines, TheirsLines: theirs})
			}
			pos = end

		case bo != nil && (bt == nil || bo.baseStart <= bt.baseStart):
			appendContext(pos, bo.baseStart)
			regions = append(regions, MergeRegion{Type: RegionOurs, BaseLines: copyRange(baseLines, pos, bo.baseEnd), OursLines: bo.newLines})
			pos = bo.baseEnd
			io++

		default:
			appendContext(pos, bt.baseStart)
			regions = append(regions, MergeRegion{Type: RegionTheirs, BaseLines: copyRange(baseLines, pos, bt.baseEnd), TheirsLines: bt.newLines})
			pos = bt.baseEnd
			it++
		}
	}
	appendContext(pos, len(baseLines))
	return regions
}

func overlap(a, b editBlock) bool {
	return a.baseStart < b.baseEnd && b.baseStart < a.baseEnd ||
		(a.baseStart == a.baseEnd && a.baseStart >= b.baseStart && a.baseStart <= b.baseEnd) ||
		(b.baseStart == b.baseEnd && b.baseStart >= a.baseStart && b.baseStart <= a.baseEnd)
}

func copyRange(lines []string, from, to int) []string {
	if from >= to || from >= len(lines) {
		return nil
	}
	if to > len(lines) {
		to = len(lines)
	}
	out := make([]string, to-from)
	copy(out, lines[from:to])
	return out
}

func linesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func min2(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max2(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// RenderWithConflictMarkers merges base/ours/theirs content at line
// granularity and writes git-style conflict markers around any conflicting
// region. hasConflict reports whether at least one conflict region exists.
func RenderWithConflictMarkers(base, ours, theirs []byte) (merged []byte, hasConflict bool) {
	regions := mergeLines(splitLines(base), splitLines(ours), splitLines(theirs))
	var b strings.Builder
	for _, r := range regions {
		switch r.Type {
		case RegionContext:
			writeLines(&b, r.BaseLines)
		case RegionBase:
			writeLines(&b, r.OursLines)
		case RegionOurs:
			writeLines(&b, r.OursLines)
		case RegionTheirs:
			writeLines(&b, r.TheirsLines)
		case RegionConflict:
			hasConflict = true
			b.WriteString("<<<<<<< ours\n")
			writeLines(&b, r.OursLines)
			b.WriteString("=======\n")
			writeLines(&b, r.TheirsLines)
			b.WriteString(">>>>>>> theirs\n")
		}
	}
	return []byte(b.String()), hasConflict
}

func writeLines(b *strings.Builder, lines []string) {
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\n")
	}
}

func splitLines(content []byte) []string {
	s := string(content)
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
