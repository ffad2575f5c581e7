package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const requirements = `# web
fastapi==0.110.0
uvicorn[standard]==0.29.0
SQLAlchemy>=2.0,<3   # orm
psycopg2-binary==2.9.9 ; platform_system != "Windows"
passlib[bcrypt]
--index-url https://pypi.org/simple

pydantic_settings == 2.2.1 \
    --hash=sha256:abc
`

func TestParse(t *testing.T) {
	m, err := Parse(strings.NewReader(requirements))
	require.NoError(t, err)
	require.Len(t, m.Requirements, 6)

	assert.Equal(t, "fastapi", m.Requirements[0].Name)
	assert.Equal(t, "==0.110.0", m.Requirements[0].Specifier)
	assert.True(t, m.Requirements[0].Pinned())

	assert.Equal(t, []string{"standard"}, m.Requirements[1].Extras)

	assert.Equal(t, "sqlalchemy", m.Requirements[2].Name)
	assert.Equal(t, ">=2.0,<3", m.Requirements[2].Specifier)
	assert.False(t, m.Requirements[2].Pinned())

	assert.Equal(t, `platform_system != "Windows"`, m.Requirements[3].Marker)
	assert.Equal(t, 5, m.Requirements[3].Line)

	assert.Equal(t, "", m.Requirements[4].Specifier)
	assert.Equal(t, []string{"--index-url https://pypi.org/simple"}, m.Options)

	assert.Equal(t, "pydantic-settings", m.Requirements[5].Name)
	assert.Equal(t, 9, m.Requirements[5].Line)
}

func TestParse_Empty(t *testing.T) {
	m, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, m.Requirements)
	assert.Empty(t, m.Unpinned())
}

func TestParse_Invalid(t *testing.T) {
	m, err := Parse(strings.NewReader("fastapi\n!!!\nuvicorn\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")

	// Lines after a bad one are still read.
	require.NotNil(t, m)
	require.Len(t, m.Requirements, 2)
	assert.Equal(t, "uvicorn", m.Requirements[1].Name)
	require.Len(t, m.Invalid, 1)
	assert.Equal(t, 2, m.Invalid[0].Line)
}

func TestParse_ExtrasAfterWhitespace(t *testing.T) {
	m, err := Parse(strings.NewReader("fastapi==0.110.0\nrequests [security]>=2.0\nuvicorn\n"))
	require.NoError(t, err)
	require.Len(t, m.Requirements, 3)

	assert.Equal(t, "requests", m.Requirements[1].Name)
	assert.Equal(t, []string{"security"}, m.Requirements[1].Extras)
	assert.Equal(t, ">=2.0", m.Requirements[1].Specifier)

	var names []string
	for _, r := range m.Unpinned() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"requests", "uvicorn"}, names)
}

func TestParse_DirectReference(t *testing.T) {
	m, err := Parse(strings.NewReader(
		"mylib @ https://example.com/mylib-1.0-py3-none-any.whl\n" +
			"other[fast] @ git+https://example.com/other.git@v2 ; python_version >= \"3.11\"\n",
	))
	require.NoError(t, err)
	require.Len(t, m.Requirements, 2)

	assert.Equal(t, "https://example.com/mylib-1.0-py3-none-any.whl", m.Requirements[0].URL)
	assert.False(t, m.Requirements[0].Pinned())

	assert.Equal(t, []string{"fast"}, m.Requirements[1].Extras)
	assert.Equal(t, "git+https://example.com/other.git@v2", m.Requirements[1].URL)
	assert.Equal(t, `python_version >= "3.11"`, m.Requirements[1].Marker)
	assert.Len(t, m.Unpinned(), 2)

	_, err = Parse(strings.NewReader("broken @\n"))
	assert.Error(t, err)
}

func TestUnpinned(t *testing.T) {
	m, err := Parse(strings.NewReader("a==1\nb>=2\nc==3.*\nd\n"))
	require.NoError(t, err)
	var names []string
	for _, r := range m.Unpinned() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"b", "c", "d"}, names)
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "zope-interface", NormalizeName("Zope.Interface"))
	assert.Equal(t, "a-b", NormalizeName("A__-b"))
}

func TestFreezeAndDiff(t *testing.T) {
	left, err := Freeze(strings.NewReader("FastAPI==0.110.0\nuvicorn==0.29.0\nmylib @ file:///src\n"))
	require.NoError(t, err)
	right, err := Freeze(strings.NewReader("fastapi==0.110.0\nuvicorn==0.30.0\nbcrypt==4.1.2\n"))
	require.NoError(t, err)

	assert.Equal(t, "0.110.0", left["fastapi"])
	assert.Equal(t, "mylib @ file:///src", left["mylib"])

	diff := Diff(left, right)
	assert.Equal(t, []Difference{
		{Name: "bcrypt", Left: "", Right: "4.1.2"},
		{Name: "mylib", Left: "mylib @ file:///src", Right: ""},
		{Name: "uvicorn", Left: "0.29.0", Right: "0.30.0"},
	}, diff)
	assert.Empty(t, Diff(left, left))
}
