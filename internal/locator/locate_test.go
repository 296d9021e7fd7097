package locator

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskpilot/internal/dom"
)

// nested wraps inner in depth levels of open shadow roots.
func nested(depth int, mode string, inner string) string {
	var b strings.Builder
	for i := 0; i < depth; i++ {
		fmt.Fprintf(&b, `<x-level-%d><template shadowrootmode="%s">`, i, mode)
	}
	b.WriteString(inner)
	for i := 0; i < depth; i++ {
		b.WriteString(`</template></x-level-` + fmt.Sprint(depth-1-i) + `>`)
	}
	return "<html><body>" + b.String() + "</body></html>"
}

var assignQuery = Query{
	Name: "assign-self",
	Rules: []Rule{
		{ID: "radio-in-group", Tags: []string{"md-radio"}, Attrs: []AttrMatch{{Name: "value", Op: OpEquals, Value: "SELF"}},
			Within: &Rule{Tags: []string{"md-radiogroup"}, Attrs: []AttrMatch{{Name: "id", Op: OpEquals, Value: "assign-to-radio-group"}}}},
		{ID: "radio-by-text", Tags: []string{"md-radio"}, Text: "myself"},
	},
}

func TestLocateDepthIndependence(t *testing.T) {
	inner := `<md-radiogroup id="assign-to-radio-group"><md-radio value="SELF">Myself</md-radio></md-radiogroup>`
	for _, depth := range []int{0, 1, 2, 5, 12} {
		t.Run(fmt.Sprintf("depth-%d", depth), func(t *testing.T) {
			res := Locate(assignQuery, dom.MustParseHTML(nested(depth, "open", inner)))
			require.True(t, res.Found(), res.Explain())
			assert.Equal(t, "radio-in-group", res.Best.RuleID)
			assert.Equal(t, depth+1, res.Roots)
			assert.NoError(t, res.Err())
		})
	}
}

func TestLocateClosedSubtreeIsPermanentMiss(t *testing.T) {
	inner := `<md-radiogroup id="assign-to-radio-group"><md-radio value="SELF">Myself</md-radio></md-radiogroup>`
	res := Locate(assignQuery, dom.MustParseHTML(nested(3, "closed", inner)))

	assert.False(t, res.Found())
	assert.Len(t, res.Blocked, 1)
	assert.True(t, eris.Is(res.Err(), ErrEncapsulationBlocked))
	assert.Contains(t, res.Explain(), "blocked=")
}

func TestLocateNotFound(t *testing.T) {
	res := Locate(assignQuery, dom.MustParseHTML(`<html><body><p>nothing here</p></body></html>`))
	assert.False(t, res.Found())
	assert.Nil(t, res.Node())
	assert.True(t, eris.Is(res.Err(), ErrNotFound))
	assert.Contains(t, res.Explain(), "not found")
}

func TestLocatePriorityMonotonicity(t *testing.T) {
	// The text rule hits an element earlier in the document, the attribute
	// rule hits a later one: rule order still wins.
	html := `<html><body>
	  <md-radio value="OTHER">Myself</md-radio>
	  <md-radiogroup id="assign-to-radio-group"><md-radio value="SELF">Me</md-radio></md-radiogroup>
	</body></html>`
	res := Locate(assignQuery, dom.MustParseHTML(html))
	require.True(t, res.Found())
	assert.Equal(t, "radio-in-group", res.Best.RuleID)

	for _, h := range res.Hits {
		assert.GreaterOrEqual(t, res.Best.Score, h.Score)
	}
}

func TestLocateTieGoesToFirstEncountered(t *testing.T) {
	q := Query{
		Name:   "flat",
		Rules:  []Rule{{ID: "any-option", Tags: []string{"md-option"}}},
		Scorer: func(*dom.Node, Rule, int, int) int { return 1 },
	}
	html := `<html><body>
	  <md-option id="first">A</md-option>
	  <x-host><template shadowrootmode="open"><md-option id="third">C</md-option></template></x-host>
	  <md-option id="second">B</md-option>
	</body></html>`
	res := Locate(q, dom.MustParseHTML(html))
	require.True(t, res.Found())
	require.Len(t, res.Hits, 3)

	id, _ := res.Node().Attr("id")
	assert.Equal(t, "first", id)

	// document root is searched fully before sub-trees
	last, _ := res.Hits[2].Node.Attr("id")
	assert.Equal(t, "third", last)
}

func TestLocateTextIsCaseInsensitiveSubstring(t *testing.T) {
	q := Query{Name: "hold", Rules: []Rule{{ID: "hold-label", Tags: []string{"div"}, Text: "ON HOLD"}}}
	html := `<html><body><div class="state">  Call <span>on hold</span>  </div></body></html>`
	res := Locate(q, dom.MustParseHTML(html))
	require.True(t, res.Found())
	assert.Contains(t, res.Best.Compared, "on hold")
}

func TestLocateWithinCrossesShadowHost(t *testing.T) {
	q := Query{Name: "queue", Rules: []Rule{{
		ID:     "select-in-queue-field",
		Tags:   []string{"md-select"},
		Within: &Rule{Tags: []string{"md-field"}, Attrs: []AttrMatch{{Name: "id", Op: OpEquals, Value: "queue"}}},
	}}}
	html := `<html><body><md-field id="queue"><template shadowrootmode="open">
	  <md-select aria-label="Queue"></md-select></template></md-field></body></html>`
	res := Locate(q, dom.MustParseHTML(html))
	assert.True(t, res.Found(), res.Explain())
}

func TestAttrOps(t *testing.T) {
	n := &dom.Node{Kind: dom.KindElement, Name: "md-select", Attrs: []dom.Attr{{Name: "aria-label", Value: "Select Queue"}}}
	tests := []struct {
		m    AttrMatch
		want bool
	}{
		{AttrMatch{Name: "aria-label", Op: OpPresent}, true},
		{AttrMatch{Name: "aria-label", Op: OpContains, Value: "queue"}, true},
		{AttrMatch{Name: "aria-label", Op: OpEquals, Value: "select queue"}, false},
		{AttrMatch{Name: "aria-label", Op: OpPrefix, Value: "select"}, true},
		{AttrMatch{Name: "name", Op: OpPresent}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.m.matches(n), "%+v", tt.m)
	}
}

func TestDefaultScorerPrefersTighterText(t *testing.T) {
	r := Rule{Text: "queue"}
	tight := &dom.Node{Kind: dom.KindElement, Name: "span", Children: []*dom.Node{{Kind: dom.KindText, Data: "Queue"}}}
	loose := &dom.Node{Kind: dom.KindElement, Name: "div", Children: []*dom.Node{{Kind: dom.KindText, Data: "Queue and a lot of other words around it"}}}
	assert.Greater(t, DefaultScorer(tight, r, 0, 1), DefaultScorer(loose, r, 0, 1))
	assert.Less(t, DefaultScorer(tight, r, 1, 2), DefaultScorer(loose, r, 0, 2))
}

func TestLocateKeepsWalkingAfterPanic(t *testing.T) {
	doc := dom.MustParseHTML(`<html><body>
<md-radio id="bad" value="SELF">x</md-radio>
<x-host><template shadowrootmode="open"><md-radio value="SELF">Myself</md-radio></template></x-host>
</body></html>`)
	q := Query{
		Name:   "assign-self",
		Rules:  []Rule{{Tags: []string{"md-radio"}, Attrs: []AttrMatch{{Name: "value", Op: OpEquals, Value: "SELF"}}}},
		Scorer: func(n *dom.Node, r Rule, index, total int) int {
			if id, _ := n.Attr("id"); id == "bad" {
				panic("malformed node")
			}
			return DefaultScorer(n, r, index, total)
		},
	}

	res := Locate(q, doc)
	require.True(t, res.Found(), res.Explain())
	assert.Equal(t, "Myself", res.Node().TextContent())
	assert.Equal(t, 2, res.Roots)
	require.Len(t, res.Faults, 1)
	assert.Contains(t, res.Faults[0], "malformed node")
	assert.Contains(t, res.Explain(), "faults=")
}

func TestLocateReportsFaultOnMiss(t *testing.T) {
	doc := dom.MustParseHTML(`<html><body><md-radio value="SELF">Myself</md-radio></body></html>`)
	q := Query{
		Name:   "assign-self",
		Rules:  []Rule{{Tags: []string{"md-radio"}}},
		Scorer: func(*dom.Node, Rule, int, int) int { panic("scorer broke") },
	}

	res := Locate(q, doc)
	assert.False(t, res.Found())
	assert.NotEmpty(t, res.Faults)
	assert.True(t, eris.Is(res.Err(), ErrNotFound))
	assert.Contains(t, res.Err().Error(), "scorer broke")
	assert.Contains(t, res.Explain(), "scorer broke")
}

func TestQueryMatchesIgnoresScore(t *testing.T) {
	doc := dom.MustParseHTML(`<html><body><md-select aria-label="Select queue" style="display: none"></md-select><p>x</p></body></html>`)
	q := Query{Name: "queue", Rules: []Rule{{Tags: []string{"md-select"}, Attrs: []AttrMatch{{Name: "aria-label", Op: OpContains, Value: "queue"}}}}}

	var sel, p *dom.Node
	for _, n := range doc.Elements() {
		switch n.Name {
		case "md-select":
			sel = n
		case "p":
			p = n
		}
	}
	require.NotNil(t, sel)
	assert.True(t, q.Matches(sel))
	assert.False(t, q.Matches(p))
	assert.False(t, q.Matches(nil))
}

func TestClipKeepsRunesWhole(t *testing.T) {
	got := clip(strings.Repeat("é", 40), 61)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("é", 30)+"...", got)
	assert.Equal(t, "short", clip("  short ", 60))
}
