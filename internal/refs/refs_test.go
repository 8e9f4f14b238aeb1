package refs

import (
	"testing"
	"time"

	"github.com/oxcart/dvcs/internal/dvcserr"
	"github.com/oxcart/dvcs/internal/dvhash"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return m
}

func TestCreateGetBranch(t *testing.T) {
	m := newTestManager(t)
	commit := dvhash.Sum([]byte("c1"))
	if err := m.CreateBranch("main", commit); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	got, err := m.GetBranch("main")
	if err != nil {
		t.Fatalf("GetBranch: %v", err)
	}
	if got != commit {
		t.Fatalf("GetBranch = %s, want %s", got, commit)
	}
}

func TestCreateBranchAlreadyExists(t *testing.T) {
	m := newTestManager(t)
	c := dvhash.Sum([]byte("c1"))
	if err := m.CreateBranch("main", c); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	err := m.CreateBranch("main", c)
	if dvcserr.KindOf(err) != dvcserr.AlreadyExists {
		t.Fatalf("CreateBranch duplicate: kind = %v, want AlreadyExists", dvcserr.KindOf(err))
	}
}

func TestCreateBranchPathConflict(t *testing.T) {
	m := newTestManager(t)
	c := dvhash.Sum([]byte("c1"))
	if err := m.CreateBranch("feature", c); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	err := m.CreateBranch("feature/sub", c)
	if dvcserr.KindOf(err) != dvcserr.AlreadyExists {
		t.Fatalf("CreateBranch path conflict: kind = %v, want AlreadyExists", dvcserr.KindOf(err))
	}
}

func TestHeadAttachedDetached(t *testing.T) {
	m := newTestManager(t)
	c := dvhash.Sum([]byte("c1"))
	if err := m.CreateBranch("main", c); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if err := m.SetHeadBranch("main"); err != nil {
		t.Fatalf("SetHeadBranch: %v", err)
	}
	head, err := m.GetHead()
	if err != nil {
		t.Fatalf("GetHead: %v", err)
	}
	if head.IsDetached() || head.Branch != "main" || head.CommitHash != c {
		t.Fatalf("GetHead = %+v, want attached to main at %s", head, c)
	}

	c2 := dvhash.Sum([]byte("c2"))
	if err := m.SetHeadCommit(c2); err != nil {
		t.Fatalf("SetHeadCommit: %v", err)
	}
	head, err = m.GetHead()
	if err != nil {
		t.Fatalf("GetHead: %v", err)
	}
	if !head.IsDetached() || head.CommitHash != c2 {
		t.Fatalf("GetHead = %+v, want detached at %s", head, c2)
	}
}

func TestMergeHeadLifecycle(t *testing.T) {
	m := newTestManager(t)
	other := dvhash.Sum([]byte("other"))
	orig := dvhash.Sum([]byte("orig"))
	if err := m.SetMergeHead(other, orig); err != nil {
		t.Fatalf("SetMergeHead: %v", err)
	}
	got, err := m.GetMergeHead()
	if err != nil {
		t.Fatalf("GetMergeHead: %v", err)
	}
	if got != other {
		t.Fatalf("GetMergeHead = %s, want %s", got, other)
	}
	if err := m.ClearMergeState(); err != nil {
		t.Fatalf("ClearMergeState: %v", err)
	}
	_, err = m.GetMergeHead()
	if dvcserr.KindOf(err) != dvcserr.NotFound {
		t.Fatalf("GetMergeHead after clear: kind = %v, want NotFound", dvcserr.KindOf(err))
	}
}

func TestBranchLock(t *testing.T) {
	m := newTestManager(t)
	if err := m.LockBranch("main", time.Minute); err != nil {
		t.Fatalf("LockBranch: %v", err)
	}
	err := m.LockBranch("main", time.Minute)
	if dvcserr.KindOf(err) != dvcserr.BranchLocked {
		t.Fatalf("LockBranch while held: kind = %v, want BranchLocked", dvcserr.KindOf(err))
	}
	if err := m.UnlockBranch("main"); err != nil {
		t.Fatalf("UnlockBranch: %v", err)
	}
	if err := m.LockBranch("main", time.Minute); err != nil {
		t.Fatalf("LockBranch after unlock: %v", err)
	}
}

func TestBranchLockExpires(t *testing.T) {
	m := newTestManager(t)
	if err := m.LockBranch("main", -time.Second); err != nil {
		t.Fatalf("LockBranch: %v", err)
	}
	if err := m.LockBranch("main", time.Minute); err != nil {
		t.Fatalf("LockBranch after expiry should succeed: %v", err)
	}
}

func TestListBranches(t *testing.T) {
	m := newTestManager(t)
	c := dvhash.Sum([]byte("c"))
	for _, name := range []string{"main", "dev", "alpha"} {
		if err := m.CreateBranch(name, c); err != nil {
			t.Fatalf("CreateBranch(%s): %v", name, err)
		}
	}
	names, err := m.ListBranches()
	if err != nil {
		t.Fatalf("ListBranches: %v", err)
	}
	want := []string{"alpha", "dev", "main"}
	if len(names) != len(want) {
		t.Fatalf("ListBranches = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("ListBranches = %v, want %v", names, want)
		}
	}
}
