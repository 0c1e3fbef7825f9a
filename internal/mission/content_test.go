package mission

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

var allPaths = []Path{PathUnset, PathClarity, PathChaos, PathUnknown}

func TestClassifyPath(t *testing.T) {
	tests := []struct {
		reply string
		want  Path
	}{
		{reply: "definitely chaos energy", want: PathChaos},
		{reply: "CLARITY, obviously", want: PathClarity},
		{reply: "chaos? no. clarity.", want: PathClarity},
		{reply: "the Unknown one", want: PathUnknown},
		{reply: "I really can't decide", want: PathUnknown},
		{reply: "", want: PathUnknown},
		{reply: "ChAoS", want: PathChaos},
	}
	for _, tc := range tests {
		if got := ClassifyPath(tc.reply); got != tc.want {
			t.Fatalf("ClassifyPath(%q) = %q, want %q", tc.reply, got, tc.want)
		}
	}
}

func TestParsePath(t *testing.T) {
	p, err := ParsePath(" Chaos ")
	require.NoError(t, err)
	require.Equal(t, PathChaos, p)

	p, err = ParsePath("")
	require.NoError(t, err)
	require.Equal(t, PathUnset, p)
	require.Equal(t, PathUnknown, p.OrUnknown())

	_, err = ParsePath("order")
	require.Error(t, err)
}

func TestResolveIsDeterministic(t *testing.T) {
	for n := 1; n <= TotalMissions; n++ {
		for _, p := range allPaths {
			a, err := Resolve(n, p, Params{})
			require.NoError(t, err)
			b, err := Resolve(n, p, Params{})
			require.NoError(t, err)
			require.Equal(t, a, b, "mission %d path %s", n, p)
		}
	}
}

func TestResolveWrapsEveryMission(t *testing.T) {
	for n := 1; n <= TotalMissions; n++ {
		email, err := Resolve(n, PathChaos, Params{})
		require.NoError(t, err)
		require.NotEmpty(t, email.Subject)
		require.True(t, strings.HasPrefix(email.HTML, "<!DOCTYPE html>"), "mission %d", n)
		require.Contains(t, email.HTML, "((follow the stardust))")
		require.Contains(t, email.HTML, "#stardustgame")
	}
}

func TestResolveBranchesOnPath(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)

	for n := 4; n <= 6; n++ {
		require.True(t, c.Branched(n))
		clarity, err := c.Resolve(n, PathClarity, Params{})
		require.NoError(t, err)
		chaos, err := c.Resolve(n, PathChaos, Params{})
		require.NoError(t, err)
		unknown, err := c.Resolve(n, PathUnknown, Params{})
		require.NoError(t, err)
		unset, err := c.Resolve(n, PathUnset, Params{})
		require.NoError(t, err)

		require.NotEqual(t, clarity.Subject, chaos.Subject)
		require.NotEqual(t, chaos.Subject, unknown.Subject)
		require.Equal(t, unknown, unset)
	}
}

func TestResolveFixedMissionsIgnorePath(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7, 8, 9, 10} {
		base, err := Resolve(n, PathClarity, Params{})
		require.NoError(t, err)
		for _, p := range allPaths {
			got, err := Resolve(n, p, Params{})
			require.NoError(t, err)
			require.Equal(t, base, got, "mission %d path %s", n, p)
		}
	}
}

func TestResolveUnknownMission(t *testing.T) {
	for _, n := range []int{-1, 0, 11, 99} {
		_, err := Resolve(n, PathClarity, Params{})
		require.ErrorIs(t, err, ErrUnknownMission)
	}
}

func TestResolvePairedQuestion(t *testing.T) {
	withoutQuestion, err := Resolve(PairedRevealMission, PathChaos, Params{})
	require.NoError(t, err)
	require.Contains(t, withoutQuestion.HTML, PairedQuestionToken)

	withQuestion, err := Resolve(PairedRevealMission, PathChaos, Params{PairedQuestion: "What did you lose & find?"})
	require.NoError(t, err)
	require.NotContains(t, withQuestion.HTML, PairedQuestionToken)
	require.Contains(t, withQuestion.HTML, "What did you lose &amp; find?")
	require.Equal(t, withoutQuestion.Subject, withQuestion.Subject)

	other, err := Resolve(2, PathChaos, Params{PairedQuestion: "ignored"})
	require.NoError(t, err)
	require.NotContains(t, other.HTML, "ignored")
}

func TestLoadCatalogRejectsIncompleteCatalogs(t *testing.T) {
	full := func() string {
		var sb strings.Builder
		sb.WriteString("missions:\n")
		for n := 1; n <= TotalMissions; n++ {
			body := "x"
			if n == PairedRevealMission {
				body = PairedQuestionToken
			}
			fmt.Fprintf(&sb, "  %d:\n    subject: \"m%d\"\n    body:\n      - p: \"%s\"\n", n, n, body)
		}
		return sb.String()
	}

	_, err := LoadCatalog([]byte(full()))
	require.NoError(t, err)

	tests := map[string]string{
		"bad yaml":         "missions: [",
		"missing mission":  strings.Replace(full(), "  10:\n    subject: \"m10\"", "  10:\n    subject: \"\"", 1),
		"out of range":     full() + "  11:\n    subject: \"m11\"\n",
		"no paired token":  strings.Replace(full(), PairedQuestionToken, "nothing here", 1),
		"missing branches": strings.Replace(full(), "  4:\n    subject: \"m4\"\n    body:\n      - p: \"x\"\n", "  4:\n    paths:\n      clarity:\n        subject: \"c\"\n", 1),
	}
	for name, raw := range tests {
		_, err := LoadCatalog([]byte(raw))
		require.Error(t, err, name)
	}
}

func TestCatalogNumbers(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, c.Numbers())
}

func TestSubjectsGolden(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)

	var buf bytes.Buffer
	for _, n := range c.Numbers() {
		if !c.Branched(n) {
			email, err := c.Resolve(n, PathUnset, Params{})
			require.NoError(t, err)
			fmt.Fprintf(&buf, "%d\tall\t%s\n", n, email.Subject)
			continue
		}
		for _, p := range classifyOrder {
			email, err := c.Resolve(n, p, Params{})
			require.NoError(t, err)
			fmt.Fprintf(&buf, "%d\t%s\t%s\n", n, p, email.Subject)
		}
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "subjects", buf.Bytes())
}

func TestReplyState(t *testing.T) {
	require.Equal(t, AwaitingReply, StateOf(nil))
	now := time.Now()
	require.Equal(t, Answered, StateOf(&now))
	require.Equal(t, "awaiting_reply", AwaitingReply.String())
	require.Equal(t, "answered", Answered.String())
}

func TestSuggestedNext(t *testing.T) {
	require.Equal(t, 2, SuggestedNext(1))
	require.Equal(t, 10, SuggestedNext(9))
	require.Equal(t, 10, SuggestedNext(10))
}

func TestValidNumber(t *testing.T) {
	require.False(t, ValidNumber(0))
	require.True(t, ValidNumber(1))
	require.True(t, ValidNumber(10))
	require.False(t, ValidNumber(11))
}
