package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HiImSmiley/socketleyd/internal/rt"
)

// immediateDestroyer runs the destroy callback synchronously, standing in
// for the completion-loop-backed Destroyer a real Daemon provides.
type immediateDestroyer struct{}

func (immediateDestroyer) ScheduleDestroy(cb func()) { cb() }

func TestCreateAndGet(t *testing.T) {
	r := New()
	rtm := rt.New("echo", rt.KindServer)
	require.NoError(t, r.Create(rtm))
	got, err := r.Get("echo")
	require.NoError(t, err)
	assert.Same(t, rtm, got, "Get returned a different runtime than was created")
}

func TestCreateDuplicateNameFails(t *testing.T) {
	r := New()
	r.Create(rt.New("echo", rt.KindServer))
	assert.Error(t, r.Create(rt.New("echo", rt.KindClient)), "expected an error creating a duplicate name")
}

func TestGetMissingFails(t *testing.T) {
	r := New()
	_, err := r.Get("nope")
	assert.Error(t, err, "expected an error for a missing runtime")
}

func TestListGlobPattern(t *testing.T) {
	r := New()
	r.Create(rt.New("web-1", rt.KindServer))
	r.Create(rt.New("web-2", rt.KindServer))
	r.Create(rt.New("cache-1", rt.KindCache))

	matches, err := r.List("web-*")
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	all, err := r.List("*")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRename(t *testing.T) {
	r := New()
	r.Create(rt.New("old", rt.KindServer))
	require.NoError(t, r.Rename("old", "new"))
	_, err := r.Get("old")
	assert.Error(t, err, "old name should no longer resolve")
	got, err := r.Get("new")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Name)
}

func TestRenameCollisionFails(t *testing.T) {
	r := New()
	r.Create(rt.New("a", rt.KindServer))
	r.Create(rt.New("b", rt.KindServer))
	assert.Error(t, r.Rename("a", "b"), "expected a collision error renaming onto an existing name")
}

func TestGetChildrenByOwnerAndLinkedCache(t *testing.T) {
	r := New()
	owner := rt.New("main-server", rt.KindServer)
	r.Create(owner)

	child := rt.New("child-client", rt.KindClient)
	child.Owner = "main-server"
	r.Create(child)

	cache := rt.New("attached-cache", rt.KindCache)
	cache.LinkedCache = "main-server"
	r.Create(cache)

	unrelated := rt.New("other", rt.KindServer)
	r.Create(unrelated)

	children := r.GetChildren("main-server")
	require.Len(t, children, 2)
}

func TestRemoveSchedulesDestructionAndExtracts(t *testing.T) {
	r := New()
	r.Create(rt.New("doomed", rt.KindServer))

	var torndown *rt.Runtime
	err := r.Remove("doomed", immediateDestroyer{}, func(v *rt.Runtime) { torndown = v })
	require.NoError(t, err)
	require.NotNil(t, torndown)
	assert.Equal(t, "doomed", torndown.Name)
	_, err = r.Get("doomed")
	assert.Error(t, err, "removed runtime should no longer be gettable")
}

func TestApplyChildPolicy(t *testing.T) {
	r := New()
	r.Create(rt.New("owner", rt.KindServer))

	stopMe := rt.New("stop-child", rt.KindClient)
	stopMe.Owner = "owner"
	stopMe.ChildPolicy = rt.ChildPolicyStop
	r.Create(stopMe)

	removeMe := rt.New("remove-child", rt.KindClient)
	removeMe.Owner = "owner"
	removeMe.ChildPolicy = rt.ChildPolicyRemove
	r.Create(removeMe)

	ignoreMe := rt.New("ignored-child", rt.KindClient)
	ignoreMe.Owner = "owner"
	r.Create(ignoreMe)

	var stopped, removed []string
	r.ApplyChildPolicy("owner",
		func(c *rt.Runtime) { stopped = append(stopped, c.Name) },
		func(c *rt.Runtime) { removed = append(removed, c.Name) })

	assert.Equal(t, []string{"stop-child"}, stopped)
	assert.Equal(t, []string{"remove-child"}, removed)
}
