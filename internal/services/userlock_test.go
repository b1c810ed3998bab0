package services

import (
	"sync"
	"testing"
)

func TestUserLocks_SerializesSameUser(t *testing.T) {
	ul := NewUserLocks()

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := ul.Acquire("u1")
			defer release()
			counter++
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("lost updates under the lock: counter = %d", counter)
	}
}

func TestUserLocks_DifferentUsersDoNotBlock(t *testing.T) {
	ul := NewUserLocks()

	releaseA := ul.Acquire("a")
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB := ul.Acquire("b")
		releaseB()
		close(done)
	}()
	<-done
}

func TestUserLocks_ReleaseIsIdempotent(t *testing.T) {
	ul := NewUserLocks()

	release := ul.Acquire("u1")
	release()
	release()

	// The lock must be re-acquirable after the double release.
	release2 := ul.Acquire("u1")
	release2()
}
