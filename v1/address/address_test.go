package address

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	warperrors "github.com/mirkobrombin/go-addrcache/v1/errors"
)

type fakeLookup struct {
	ptr   map[string][]string
	hosts map[string][]netip.Addr
	calls atomic.Int32
	delay time.Duration
}

func (f *fakeLookup) LookupAddr(_ context.Context, addr string) ([]string, error) {
	f.calls.Add(1)
	time.Sleep(f.delay)
	if names, ok := f.ptr[addr]; ok {
		return names, nil
	}
	return nil, errors.New("no such host")
}

func (f *fakeLookup) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	f.calls.Add(1)
	time.Sleep(f.delay)
	if ips, ok := f.hosts[host]; ok {
		return ips, nil
	}
	return nil, errors.New("no such host")
}

func TestResolveLiteralWithPTR(t *testing.T) {
	r := NewNetResolver(&fakeLookup{ptr: map[string][]string{"127.0.0.1": {"localhost."}}})
	a, err := r.Resolve(context.Background(), "127.0.0.1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if a.Key() != "localhost" || a.String() != "localhost/127.0.0.1" {
		t.Fatalf("unexpected address %v", a)
	}
}

func TestResolveLiteralWithoutPTR(t *testing.T) {
	r := NewNetResolver(&fakeLookup{})
	a, err := r.Resolve(context.Background(), "127.0.0.2")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if a.Key() != "127.0.0.2" || a.String() != "127.0.0.2/127.0.0.2" {
		t.Fatalf("unexpected address %v", a)
	}
}

func TestResolveHostname(t *testing.T) {
	r := NewNetResolver(&fakeLookup{hosts: map[string][]netip.Addr{
		"example.test": {netip.MustParseAddr("::ffff:10.0.0.1")},
	}})
	a, err := r.Resolve(context.Background(), "example.test")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if a.String() != "example.test/10.0.0.1" {
		t.Fatalf("unexpected address %v", a)
	}
}

func TestResolveUnknownHost(t *testing.T) {
	r := NewNetResolver(&fakeLookup{})
	for _, in := range []string{"", "  ", "nope.invalid"} {
		if _, err := r.Resolve(context.Background(), in); !errors.Is(err, warperrors.ErrUnresolvable) {
			t.Fatalf("%q: expected ErrUnresolvable, got %v", in, err)
		}
	}
}

func TestResolveCollapsesConcurrentLookups(t *testing.T) {
	f := &fakeLookup{
		hosts: map[string][]netip.Addr{"example.test": {netip.MustParseAddr("10.0.0.1")}},
		delay: 50 * time.Millisecond,
	}
	r := NewNetResolver(f)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Resolve(context.Background(), "example.test"); err != nil {
				t.Errorf("resolve: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := f.calls.Load(); n >= 8 {
		t.Fatalf("expected lookups to be shared, got %d calls", n)
	}
}
