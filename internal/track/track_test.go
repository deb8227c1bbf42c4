package track

import (
	"sync"
	"testing"

	"github.com/bytebundle/bytebundle/internal/logging"
	"github.com/bytebundle/bytebundle/pkg/manifest"
)

func TestTracker_CompleteFiresOnce(t *testing.T) {
	var mu sync.Mutex
	fired := 0
	var gotFiles map[string][]byte

	tr := New(func(entityID string, files map[string][]byte, blobs manifest.MetadataBlobs) error {
		mu.Lock()
		defer mu.Unlock()
		fired++
		gotFiles = files
		return nil
	}, logging.Nop())

	partition := map[int][]string{0: {"a", "b"}, 1: {"c"}}
	tr.OnBroadcastReceived("entity-1", []string{"a", "b", "c"}, partition)

	if tr.IsComplete("entity-1") {
		t.Fatal("complete before any file")
	}
	tr.OnFileComplete("entity-1", 0, "a", []byte("A"))
	tr.OnFileComplete("entity-1", 0, "b", []byte("B"))
	if tr.IsComplete("entity-1") {
		t.Fatal("complete with one file outstanding")
	}
	if done := tr.OnFileComplete("entity-1", 1, "c", []byte("C")); !done {
		t.Fatal("final completion not reported")
	}

	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Fatalf("materialize fired %d times", fired)
	}
	if len(gotFiles) != 3 || string(gotFiles["b"]) != "B" {
		t.Fatalf("materialize received %v", gotFiles)
	}
	// State is cleared after hand-off.
	if tr.IsComplete("entity-1") {
		t.Fatal("state survived materialization")
	}
}

func TestTracker_UnexpectedChannelStillCounts(t *testing.T) {
	fired := 0
	tr := New(func(string, map[string][]byte, manifest.MetadataBlobs) error {
		fired++
		return nil
	}, logging.Nop())

	tr.OnBroadcastReceived("e", []string{"x", "y"}, map[int][]string{0: {"x"}, 1: {"y"}})

	// Channel 7 does not exist; the completion must still count.
	tr.OnFileComplete("e", 7, "x", []byte("X"))
	tr.OnFileComplete("e", -2, "y", []byte("Y"))
	if fired != 1 {
		t.Fatalf("materialize fired %d times", fired)
	}
}

func TestTracker_DuplicateBroadcastIsContinuation(t *testing.T) {
	tr := New(nil, logging.Nop())
	tr.OnBroadcastReceived("e", []string{"a", "b"}, nil)
	tr.OnFileComplete("e", 0, "a", []byte("A"))

	// A retried broadcast with a different file set must not reset progress.
	tr.OnBroadcastReceived("e", []string{"a", "b", "z"}, nil)
	if tr.Expected("e") != 2 {
		t.Fatalf("expected set reset by duplicate broadcast: %d", tr.Expected("e"))
	}

	tr.OnFileComplete("e", 0, "b", []byte("B"))

	// With the previous transfer finished, a fresh broadcast replaces it.
	tr.OnBroadcastReceived("e", []string{"q"}, nil)
	if tr.Expected("e") != 1 {
		t.Fatalf("idle state not replaced: %d", tr.Expected("e"))
	}
}

func TestTracker_BroadcastWithoutPartitionIsNotComplete(t *testing.T) {
	fired := 0
	tr := New(func(string, map[string][]byte, manifest.MetadataBlobs) error {
		fired++
		return nil
	}, logging.Nop())

	// Broadcasts routinely arrive without a channel partition. With no
	// file completed yet, the transfer must stay open.
	tr.OnBroadcastReceived("e", []string{"a", "b"}, nil)
	if fired != 0 {
		t.Fatalf("materialize fired %d times before any file", fired)
	}
	if tr.IsComplete("e") {
		t.Fatal("complete with no files transferred")
	}
	if tr.Expected("e") != 2 {
		t.Fatalf("expected set lost: %d", tr.Expected("e"))
	}
}

func TestTracker_CompletionBeforeExpectations(t *testing.T) {
	fired := 0
	var got map[string][]byte
	tr := New(func(_ string, files map[string][]byte, _ manifest.MetadataBlobs) error {
		fired++
		got = files
		return nil
	}, logging.Nop())

	// Chunks can finish on a fast channel before the broadcast arrives
	// on the control channel. The completion must be retained, not
	// treated as done.
	if done := tr.OnFileComplete("e", 1, "a", []byte("alpha")); done {
		t.Fatal("early completion reported the transfer complete")
	}
	if fired != 0 {
		t.Fatalf("materialize fired %d times before expectations", fired)
	}

	tr.OnBroadcastReceived("e", []string{"a", "b"}, nil)
	if done := tr.OnFileComplete("e", 0, "b", []byte("beta")); !done {
		t.Fatal("transfer not complete after final file")
	}
	if fired != 1 {
		t.Fatalf("materialize fired %d times", fired)
	}
	if string(got["a"]) != "alpha" || string(got["b"]) != "beta" {
		t.Fatalf("materialized files = %v", got)
	}
}

func TestTracker_CompletedFilesSnapshot(t *testing.T) {
	tr := New(nil, logging.Nop())
	tr.OnBroadcastReceived("e", []string{"a", "b", "c"}, nil)
	tr.OnFileComplete("e", 0, "a", []byte("alpha"))
	tr.OnFileComplete("e", 0, "b", []byte("beta"))

	paths, hashes := tr.CompletedFiles("e")
	if len(paths) != 2 || len(hashes) != 2 {
		t.Fatalf("snapshot = %v / %v", paths, hashes)
	}
	if hashes["a"] != manifest.HashContent([]byte("alpha")) {
		t.Fatalf("hash mismatch for a: %q", hashes["a"])
	}
}

func TestTracker_PruneExpected(t *testing.T) {
	fired := 0
	tr := New(func(string, map[string][]byte, manifest.MetadataBlobs) error {
		fired++
		return nil
	}, logging.Nop())

	tr.OnBroadcastReceived("e", []string{"a", "b", "c", "d"}, nil)
	tr.PruneExpected("e", []string{"c", "d"})
	if tr.Expected("e") != 2 {
		t.Fatalf("Expected = %d after prune", tr.Expected("e"))
	}

	tr.OnFileComplete("e", 0, "a", []byte("A"))
	tr.OnFileComplete("e", 0, "b", []byte("B"))
	if fired != 1 {
		t.Fatalf("materialize fired %d times after prune", fired)
	}
}

func TestTracker_MetadataBlobsReachMaterialize(t *testing.T) {
	pose := "sitting"
	var got manifest.MetadataBlobs
	tr := New(func(_ string, _ map[string][]byte, blobs manifest.MetadataBlobs) error {
		got = blobs
		return nil
	}, logging.Nop())

	tr.OnBroadcastReceived("e", []string{"a"}, nil)
	tr.SetMetadataBlobs("e", manifest.MetadataBlobs{Pose: &pose})
	tr.OnFileComplete("e", 0, "a", []byte("A"))

	if got.Pose == nil || *got.Pose != "sitting" {
		t.Fatalf("blobs not handed over: %+v", got)
	}
}

func TestTracker_ConcurrentCompletions(t *testing.T) {
	var mu sync.Mutex
	fired := 0
	tr := New(func(string, map[string][]byte, manifest.MetadataBlobs) error {
		mu.Lock()
		fired++
		mu.Unlock()
		return nil
	}, logging.Nop())

	paths := make([]string, 50)
	for i := range paths {
		paths[i] = string(rune('a'+i%26)) + string(rune('0'+i/26))
	}
	tr.OnBroadcastReceived("e", paths, nil)

	var wg sync.WaitGroup
	for i, p := range paths {
		wg.Add(1)
		go func(ch int, path string) {
			defer wg.Done()
			tr.OnFileComplete("e", ch%4, path, []byte(path))
		}(i, p)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Fatalf("materialize fired %d times under concurrency", fired)
	}
}
