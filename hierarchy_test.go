package sqlproc

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
)

type State struct {
	StateId int
	Name    string
	Cities  []City
}

type City struct {
	CityId  int
	Name    string
	StateId int
}

func stateSet() memSet {
	return resultSet("stateid", "name").
		row(1, "New York").
		row(2, "Vermont")
}

func citySet() memSet {
	return resultSet("cityid", "name", "stateid").
		row(10, "New York City", 1).
		row(11, "Albany", 1).
		row(12, "Nowhere", 99)
}

// TestHierarchy_RoundTrip assembles the same graph whichever order the
// result sets come in.
func TestHierarchy_RoundTrip(t *testing.T) {
	want := []State{
		{StateId: 1, Name: "New York", Cities: []City{
			{CityId: 10, Name: "New York City", StateId: 1},
			{CityId: 11, Name: "Albany", StateId: 1},
		}},
		{StateId: 2, Name: "Vermont", Cities: []City{}},
	}

	orders := map[string][]memSet{
		"parent first": {stateSet(), citySet()},
		"child first":  {citySet(), stateSet()},
	}
	for name, sets := range orders {
		t.Run(name, func(t *testing.T) {
			out, err := Materialize[State](context.Background(), New(), newMemCursor(sets...))
			require.NoError(t, err)
			require.Equal(t, want, out, spew.Sdump(out))
			require.NotNil(t, out[1].Cities, "absent children must be an empty slice, not nil")
		})
	}
}

// TestHierarchy_PointerRoots returns []*State for a pointer element type.
func TestHierarchy_PointerRoots(t *testing.T) {
	out, err := Materialize[*State](context.Background(), New(), newMemCursor(stateSet(), citySet()))
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Len(t, out[0].Cities, 2)
}

type Author struct {
	Id    int
	Name  string
	Books []Book  `db:",optional"`
	Notes []*Note `db:",optional"`
}

type Book struct {
	Id       int
	AuthorId int
	Title    string
}

type Note struct {
	Id       int
	AuthorId int
	Body     string
}

// TestHierarchy_OptionalCollections tolerates missing result sets for
// optional collections and leaves them empty.
func TestHierarchy_OptionalCollections(t *testing.T) {
	authors := resultSet("id", "name").row(1, "Calvino").row(2, "Eco")
	books := resultSet("id", "authorid", "title").row(7, 2, "Baudolino")

	out, err := Materialize[Author](context.Background(), New(), newMemCursor(authors))
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, a := range out {
		require.NotNil(t, a.Books)
		require.Empty(t, a.Books)
		require.NotNil(t, a.Notes)
		require.Empty(t, a.Notes)
	}

	out, err = Materialize[Author](context.Background(), New(), newMemCursor(authors, books))
	require.NoError(t, err)
	require.Empty(t, out[0].Books)
	require.Equal(t, []Book{{Id: 7, AuthorId: 2, Title: "Baudolino"}}, out[1].Books)
	require.Equal(t, []*Note{}, out[1].Notes)
}

// TestHierarchy_MissingResultSet names every required type without data.
func TestHierarchy_MissingResultSet(t *testing.T) {
	_, err := Materialize[State](context.Background(), New(), newMemCursor(stateSet()))
	require.ErrorIs(t, err, ErrHierarchy)

	var he *HierarchyError
	require.True(t, errors.As(err, &he))
	require.Equal(t, "sqlproc.State", he.Type)
	require.Equal(t, []string{"sqlproc.City"}, he.Types)
}

// TestHierarchy_UnmatchedAndExtraSets skips sets that fit no pending type and
// ignores sets after the graph is complete.
func TestHierarchy_UnmatchedAndExtraSets(t *testing.T) {
	noise := resultSet("foo", "bar").row(1, 2)
	cur := newMemCursor(stateSet(), noise, citySet(), resultSet("cityid", "name", "stateid").row(13, "Extra", 1))

	out, err := Materialize[State](context.Background(), New(), cur)
	require.NoError(t, err)
	require.Len(t, out[0].Cities, 2, spew.Sdump(out))
}

type Order struct {
	Id      int
	Total   int
	Lines   []Line
	Refunds []Refund
}

type Line struct {
	OrderId int
	Amount  int
}

type Refund struct {
	OrderId int
	Amount  int
}

// TestHierarchy_ExplicitOrder resolves result sets whose columns fit more
// than one type.
func TestHierarchy_ExplicitOrder(t *testing.T) {
	sets := func() Cursor {
		return newMemCursor(
			resultSet("id", "total").row(1, 100),
			resultSet("orderid", "amount").row(1, 60).row(1, 40),
			resultSet("orderid", "amount").row(1, 5),
		)
	}

	out, err := Materialize[Order](context.Background(), New(), sets())
	require.NoError(t, err)
	require.Len(t, out[0].Lines, 2, "ties go to the type discovered first")
	require.Len(t, out[0].Refunds, 1)

	out, err = Materialize[Order](context.Background(), New(), sets(),
		WithResultSetOrder(Order{}, (*Refund)(nil), reflect.TypeFor[Line]()))
	require.NoError(t, err)
	require.Equal(t, []Refund{{OrderId: 1, Amount: 60}, {OrderId: 1, Amount: 40}}, out[0].Refunds)
	require.Equal(t, []Line{{OrderId: 1, Amount: 5}}, out[0].Lines)

	// A partial order falls back to column matching for the rest.
	out, err = Materialize[Order](context.Background(), New(), sets(), WithResultSetOrder(Order{}, Refund{}))
	require.NoError(t, err)
	require.Len(t, out[0].Refunds, 2)
	require.Len(t, out[0].Lines, 1)

	_, err = Materialize[Order](context.Background(), New(), sets(), WithResultSetOrder(State{}))
	require.ErrorIs(t, err, ErrHierarchy)

	_, err = Materialize[Order](context.Background(), New(), sets(), WithResultSetOrder(Order{}, Line{}, Line{}))
	require.ErrorIs(t, err, ErrHierarchy)
}

type Country struct {
	CountryId int
	Name      string
	Regions   []Region
}

type Region struct {
	RegionId  int
	CountryId int
	Name      string
	Towns     []*Town
}

type Town struct {
	TownId   int
	RegionId int
	Name     string
}

// TestHierarchy_ThreeLevels copies value-shaped regions only after their
// towns are attached.
func TestHierarchy_ThreeLevels(t *testing.T) {
	cur := newMemCursor(
		resultSet("townid", "regionid", "name").row(100, 10, "Siena").row(101, 10, "Firenze").row(102, 11, "Bari"),
		resultSet("countryid", "name").row(1, "Italia"),
		resultSet("regionid", "countryid", "name").row(10, 1, "Toscana").row(11, 1, "Puglia").row(12, 1, "Molise"),
	)
	out, err := Materialize[Country](context.Background(), New(), cur)
	require.NoError(t, err)
	require.Len(t, out, 1)

	regions := out[0].Regions
	require.Len(t, regions, 3, spew.Sdump(out))
	require.Equal(t, "Toscana", regions[0].Name)
	require.Len(t, regions[0].Towns, 2)
	require.Equal(t, "Firenze", regions[0].Towns[1].Name)
	require.Len(t, regions[1].Towns, 1)
	require.NotNil(t, regions[2].Towns)
	require.Empty(t, regions[2].Towns)
}

type Shelf struct {
	Code  string
	Label string
	Items []Item
}

func (Shelf) KeyField() string { return "Code" }

func (Shelf) ForeignKeyFields() map[string]string {
	return map[string]string{"items": "Location"}
}

type Item struct {
	Sku      string
	Location *string
}

type Folder struct {
	Path  string `db:"path,key"`
	Files []File `db:",fk=Dir"`
}

type File struct {
	Name string `db:"name"`
	Dir  string `db:"dir"`
}

// TestHierarchy_KeyResolution covers the interfaces and tag options that
// name keys outside the naming conventions.
func TestHierarchy_KeyResolution(t *testing.T) {
	t.Run("interfaces", func(t *testing.T) {
		cur := newMemCursor(
			resultSet("code", "label").row("A1", "top"),
			resultSet("sku", "location").row("x", "A1").row("y", nil),
		)
		out, err := Materialize[Shelf](context.Background(), New(), cur)
		require.NoError(t, err)
		require.Len(t, out[0].Items, 1, "a null foreign key matches no parent")
		require.Equal(t, "x", out[0].Items[0].Sku)
	})

	t.Run("tags", func(t *testing.T) {
		cur := newMemCursor(
			resultSet("path").row("/etc").row("/tmp"),
			resultSet("name", "dir").row("hosts", "/etc").row("passwd", "/etc"),
		)
		out, err := Materialize[Folder](context.Background(), New(), cur)
		require.NoError(t, err)
		require.Len(t, out[0].Files, 2)
		require.Empty(t, out[1].Files)
	})
}

type Team struct {
	Id      int64
	Players []Player
}

type Player struct {
	Id     int
	TeamId int32
}

// TestHierarchy_KeyTypeMismatchIsTerminal fails discovery once and serves
// the cached failure afterwards.
func TestHierarchy_KeyTypeMismatchIsTerminal(t *testing.T) {
	e := New()
	cur := func() Cursor {
		return newMemCursor(resultSet("id").row(int64(1)), resultSet("id", "teamid").row(1, int32(1)))
	}

	_, err := Materialize[Team](context.Background(), e, cur())
	require.ErrorIs(t, err, ErrHierarchy)
	builds := e.cache.builds.Load()

	_, err = Materialize[Team](context.Background(), e, cur())
	require.ErrorIs(t, err, ErrHierarchy)
	require.Equal(t, builds, e.cache.builds.Load())
}

type Loop struct {
	Id    int
	Left  []Leaf
	Right []Leaf
}

type Leaf struct {
	LoopId int
}

type Orphan struct {
	Name string
	Kids []Leaf
}

// TestHierarchy_InvalidGraphs rejects graphs that cannot be assembled.
func TestHierarchy_InvalidGraphs(t *testing.T) {
	cur := newMemCursor(resultSet("id").row(1))
	_, err := Materialize[Loop](context.Background(), New(), cur)
	require.ErrorIs(t, err, ErrHierarchy)

	cur = newMemCursor(resultSet("name").row("x"))
	_, err = Materialize[Orphan](context.Background(), New(), cur)
	require.ErrorIs(t, err, ErrHierarchy)
}

// TestHierarchy_Canceled stops without moving to the next result set.
func TestHierarchy_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stop := TransformFunc("stop", func(s string, _ Attributes) (string, error) {
		cancel()
		return s, nil
	})
	cur := newMemCursor(resultSet("stateid", "name").row(1, "New York"), citySet())
	_, err := Materialize[State](ctx, New(), cur, WithTransformers(stop))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, cur.set)
}
