package scenario

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const infrastructureXML = `<scenario id="6f1b3a58-8f07-4b93-9876-6f0f3d1c0a01" name="infrastructure" input="rect" notify="ops,map">
  <consequent>
    <consequent lock_cells="infrastructure_line:road,powerline,fence">
      <run routing-key="road_import_osm"/>
      <run routing-key="powerline_import_osm"/>
      <run routing-key="fence_import_osm"/>
    </consequent>
    <concurrent lock_cells="infrastructure_line">
      <run routing-key="road_generator"/>
      <run routing-key="powerline_generator"/>
      <run routing-key="fence_generator"/>
    </concurrent>
  </consequent>
</scenario>`

func acceptAll(string) bool { return true }

func writeScenario(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestParseInfrastructureScenario(t *testing.T) {
	sc, err := Parse([]byte(infrastructureXML))
	require.NoError(t, err)

	assert.Equal(t, "infrastructure", sc.Name())
	assert.Equal(t, InputRect, sc.InputType())
	assert.Equal(t, []string{"ops", "map"}, sc.Notify())
	assert.Equal(t, uuid.MustParse("6f1b3a58-8f07-4b93-9876-6f0f3d1c0a01"), sc.ID())
	assert.Equal(t, []string{
		"road_import_osm", "powerline_import_osm", "fence_import_osm",
		"road_generator", "powerline_generator", "fence_generator",
	}, sc.RoutingKeys())

	root, ok := sc.child.(*Consequent)
	require.True(t, ok)
	require.Len(t, root.children, 2)
	imports, ok := root.children[0].(*Consequent)
	require.True(t, ok)
	assert.IsType(t, (*CellLocker)(nil), imports.locker)
	generate, ok := root.children[1].(*Concurrent)
	require.True(t, ok)
	assert.IsType(t, (*CellLocker)(nil), generate.locker)
}

func TestParseRejectsMalformedDocuments(t *testing.T) {
	cases := []struct {
		name string
		xml  string
		want string
	}{
		{
			name: "wrong root",
			xml:  `<plan id="6f1b3a58-8f07-4b93-9876-6f0f3d1c0a01" name="x" input="rect"><consequent><run routing-key="a"/></consequent></plan>`,
			want: "want <scenario>",
		},
		{
			name: "bad id",
			xml:  `<scenario id="nope" name="x" input="rect"><consequent><run routing-key="a"/></consequent></scenario>`,
			want: "scenario id",
		},
		{
			name: "missing name",
			xml:  `<scenario id="6f1b3a58-8f07-4b93-9876-6f0f3d1c0a01" input="rect"><consequent><run routing-key="a"/></consequent></scenario>`,
			want: "no name",
		},
		{
			name: "bad input type",
			xml:  `<scenario id="6f1b3a58-8f07-4b93-9876-6f0f3d1c0a01" name="x" input="polygon"><consequent><run routing-key="a"/></consequent></scenario>`,
			want: "unknown input type",
		},
		{
			name: "two children",
			xml:  `<scenario id="6f1b3a58-8f07-4b93-9876-6f0f3d1c0a01" name="x" input="rect"><consequent><run routing-key="a"/></consequent><consequent><run routing-key="b"/></consequent></scenario>`,
			want: "exactly one child",
		},
		{
			name: "run at root",
			xml:  `<scenario id="6f1b3a58-8f07-4b93-9876-6f0f3d1c0a01" name="x" input="rect"><run routing-key="a"/></scenario>`,
			want: "root child must be a group",
		},
		{
			name: "run without key",
			xml:  `<scenario id="6f1b3a58-8f07-4b93-9876-6f0f3d1c0a01" name="x" input="rect"><consequent><run/></consequent></scenario>`,
			want: "no routing-key",
		},
		{
			name: "run with children",
			xml:  `<scenario id="6f1b3a58-8f07-4b93-9876-6f0f3d1c0a01" name="x" input="rect"><consequent><run routing-key="a"><run routing-key="b"/></run></consequent></scenario>`,
			want: "may not have children",
		},
		{
			name: "lock on run",
			xml:  `<scenario id="6f1b3a58-8f07-4b93-9876-6f0f3d1c0a01" name="x" input="rect"><consequent><run routing-key="a" lock_cells="infrastructure_line"/></consequent></scenario>`,
			want: "may not carry locks",
		},
		{
			name: "both lock kinds",
			xml:  `<scenario id="6f1b3a58-8f07-4b93-9876-6f0f3d1c0a01" name="x" input="rect"><consequent lock_cells="infrastructure_line" lock_objects="vegetation"><run routing-key="a"/></consequent></scenario>`,
			want: "both lock_cells and lock_objects",
		},
		{
			name: "bad selector",
			xml:  `<scenario id="6f1b3a58-8f07-4b93-9876-6f0f3d1c0a01" name="x" input="rect"><consequent lock_cells="ghost_type"><run routing-key="a"/></consequent></scenario>`,
			want: "unknown object type",
		},
		{
			name: "empty group",
			xml:  `<scenario id="6f1b3a58-8f07-4b93-9876-6f0f3d1c0a01" name="x" input="rect"><consequent></consequent></scenario>`,
			want: "no children",
		},
		{
			name: "unknown element",
			xml:  `<scenario id="6f1b3a58-8f07-4b93-9876-6f0f3d1c0a01" name="x" input="rect"><sequence><run routing-key="a"/></sequence></scenario>`,
			want: "unknown element",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.xml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestProviderLoadsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "infrastructure.xml", infrastructureXML)
	writeScenario(t, dir, "notes.txt", "not a scenario")

	p, err := NewProvider(dir, acceptAll)
	require.NoError(t, err)

	infos := p.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "infrastructure", infos[0].Name)
	assert.Len(t, infos[0].Steps, 6)
}

func TestProviderAbortsOnUnknownRoutingKey(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "ghost.xml",
		`<scenario id="6f1b3a58-8f07-4b93-9876-6f0f3d1c0a02" name="ghostly" input="rect"><consequent><run routing-key="ghost"/></consequent></scenario>`)

	_, err := NewProvider(dir, func(key string) bool { return key != "ghost" })
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"ghost"`)
	assert.Contains(t, err.Error(), "unknown routing key")
}

func TestProviderRejectsEmptyDirectory(t *testing.T) {
	_, err := NewProvider(t.TempDir(), acceptAll)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no scenarios")
}

func TestGetScenarioReturnsDeepCopies(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "infrastructure.xml", infrastructureXML)
	p, err := NewProvider(dir, acceptAll)
	require.NoError(t, err)

	id := uuid.MustParse("6f1b3a58-8f07-4b93-9876-6f0f3d1c0a01")
	a, err := p.GetScenario(id)
	require.NoError(t, err)
	b, err := p.GetScenario(id)
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.NotSame(t, a.child, b.child)

	_, err = p.GetScenario(uuid.New())
	require.Error(t, err)
}

func TestReloadKeepsOldSetOnError(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "infrastructure.xml", infrastructureXML)
	p, err := NewProvider(dir, acceptAll)
	require.NoError(t, err)

	writeScenario(t, dir, "broken.xml", "<scenario")
	require.Error(t, p.Reload())
	assert.Len(t, p.List(), 1)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "infrastructure.xml", infrastructureXML)
	p, err := NewProvider(dir, acceptAll)
	require.NoError(t, err)

	w, err := NewWatcher(p, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })

	writeScenario(t, dir, "second.xml",
		`<scenario id="6f1b3a58-8f07-4b93-9876-6f0f3d1c0a03" name="second" input="cells"><consequent><run routing-key="a"/></consequent></scenario>`)

	require.Eventually(t, func() bool {
		return len(p.List()) == 2
	}, 5*time.Second, 20*time.Millisecond, "watcher never picked up the new scenario")
}
