package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/gomega"
)

func TestShortenableTimeoutFiresOnce(t *testing.T) {
	g := NewWithT(t)
	mock := clock.NewMock()
	var fires int32
	to := NewShortenableTimeout(mock, func() { atomic.AddInt32(&fires, 1) })

	to.Set(10 * time.Second)
	mock.Add(10 * time.Second)
	g.Eventually(func() int32 { return atomic.LoadInt32(&fires) }).Should(Equal(int32(1)))
}

func TestShortenableTimeoutOnlyMovesEarlier(t *testing.T) {
	g := NewWithT(t)
	mock := clock.NewMock()
	var fires int32
	to := NewShortenableTimeout(mock, func() { atomic.AddInt32(&fires, 1) })

	to.Set(10 * time.Second)
	to.Set(20 * time.Second) // later deadline, must be ignored
	mock.Add(10 * time.Second)
	g.Eventually(func() int32 { return atomic.LoadInt32(&fires) }).Should(Equal(int32(1)))
}

func TestShortenableTimeoutShortens(t *testing.T) {
	g := NewWithT(t)
	mock := clock.NewMock()
	var fires int32
	to := NewShortenableTimeout(mock, func() { atomic.AddInt32(&fires, 1) })

	to.Set(10 * time.Second)
	to.Set(2 * time.Second) // earlier deadline, must replace the armed timer
	mock.Add(2 * time.Second)
	g.Eventually(func() int32 { return atomic.LoadInt32(&fires) }).Should(Equal(int32(1)))
}

func TestShortenableTimeoutRearmsAfterFiring(t *testing.T) {
	g := NewWithT(t)
	mock := clock.NewMock()
	var fires int32
	to := NewShortenableTimeout(mock, func() { atomic.AddInt32(&fires, 1) })

	to.Set(1 * time.Second)
	mock.Add(1 * time.Second)
	g.Eventually(func() int32 { return atomic.LoadInt32(&fires) }).Should(Equal(int32(1)))

	to.Set(1 * time.Second)
	mock.Add(1 * time.Second)
	g.Eventually(func() int32 { return atomic.LoadInt32(&fires) }).Should(Equal(int32(2)))
}

func TestShortenableTimeoutStop(t *testing.T) {
	g := NewWithT(t)
	mock := clock.NewMock()
	var fires int32
	to := NewShortenableTimeout(mock, func() { atomic.AddInt32(&fires, 1) })

	to.Set(1 * time.Second)
	to.Stop()
	mock.Add(time.Minute)
	g.Consistently(func() int32 { return atomic.LoadInt32(&fires) }).Should(Equal(int32(0)))
}
