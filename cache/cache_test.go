package cache

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func aRecord(name string, ttl uint32, ip string) dns.RR {
	rr, err := dns.NewRR(dns.Fqdn(name) + " " + itoa(ttl) + " IN A " + ip)
	if err != nil {
		panic(err)
	}
	return rr
}

func itoa(u uint32) string {
	if u == 0 {
		return "0"
	}
	digits := ""
	for u > 0 {
		digits = string(rune('0'+u%10)) + digits
		u /= 10
	}
	return digits
}

func TestGetMissReturnsNilWithoutExpectTTL0(t *testing.T) {
	c := New(DefaultOptions())

	set, expectTTL0 := c.Get(Key(dns.TypeA, "example.com"), false)
	assert.Nil(t, set)
	assert.False(t, expectTTL0)
}

func TestInsertThenGetHit(t *testing.T) {
	c := New(DefaultOptions())

	set := &AnswerSet{Records: []dns.RR{aRecord("example.com", 300, "1.2.3.4")}}
	c.Insert(set, "", 0, false, false)

	got, expectTTL0 := c.Get(Key(dns.TypeA, "example.com"), false)
	require.NotNil(t, got)
	assert.False(t, expectTTL0)
	assert.Len(t, got.Records, 1)
	assert.False(t, got.Touch.IsZero())
}

func TestTTL0RecordsAreNotServedImplicitly(t *testing.T) {
	c := New(DefaultOptions())

	set := &AnswerSet{Records: []dns.RR{aRecord("ttl0.example.com", 0, "1.2.3.4")}}
	c.Insert(set, "", 0, false, false)

	got, expectTTL0 := c.Get(Key(dns.TypeA, "ttl0.example.com"), false)
	assert.Nil(t, got)
	assert.True(t, expectTTL0)

	// peekOnly bypasses the ttl=0 suppression.
	peeked, _ := c.Get(Key(dns.TypeA, "ttl0.example.com"), true)
	require.NotNil(t, peeked)
	assert.True(t, peeked.TTL0)
}

func TestExpiredEntryServedOnceAsStale(t *testing.T) {
	c := New(Options{BadTTL: time.Second, EmptyTTL: time.Second, StaleTTL: time.Hour, MaxSize: 100})

	set := &AnswerSet{Records: []dns.RR{aRecord("stale.example.com", 1, "1.2.3.4")}}
	c.Insert(set, "", 0, false, false)

	// Force expiry.
	key := Key(dns.TypeA, "stale.example.com")

	c.mu.Lock()
	c.entries[key].set.Expire = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	got, expectTTL0 := c.Get(key, false)
	require.NotNil(t, got)
	assert.False(t, expectTTL0)
	assert.True(t, got.Expired)

	// The entry was evicted: a second Get misses entirely.
	got2, _ := c.Get(key, false)
	assert.Nil(t, got2)
}

func TestNameErrorOverwritesStalePositive(t *testing.T) {
	c := New(Options{BadTTL: time.Millisecond, EmptyTTL: time.Millisecond, StaleTTL: time.Hour, MaxSize: 100})

	good := &AnswerSet{Records: []dns.RR{aRecord("flaky.example.com", 1, "1.2.3.4")}}
	c.Insert(good, "", 0, false, false)

	key := Key(dns.TypeA, "flaky.example.com")
	c.mu.Lock()
	c.entries[key].set.Expire = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	nameErr := &AnswerSet{ErrCode: dns.RcodeNameError}
	c.Insert(nameErr, "flaky.example.com", dns.TypeA, false, true)

	c.mu.Lock()
	stored := c.entries[key].set
	c.mu.Unlock()
	assert.True(t, stored.IsNameError())
}

func TestServerErrorDoesNotOverwriteStalePositive(t *testing.T) {
	c := New(Options{BadTTL: time.Millisecond, EmptyTTL: time.Millisecond, StaleTTL: time.Hour, MaxSize: 100})

	good := &AnswerSet{Records: []dns.RR{aRecord("stable.example.com", 1, "1.2.3.4")}}
	c.Insert(good, "", 0, false, false)

	key := Key(dns.TypeA, "stable.example.com")
	c.mu.Lock()
	c.entries[key].set.Expire = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	servErr := &AnswerSet{ErrCode: dns.RcodeServerFailure}
	c.Insert(servErr, "stable.example.com", dns.TypeA, false, false)

	c.mu.Lock()
	stored := c.entries[key].set
	c.mu.Unlock()
	assert.False(t, stored.IsError())
	assert.Len(t, stored.Records, 1)
}

func TestSuccessTypeTable(t *testing.T) {
	c := New(DefaultOptions())

	_, ok := c.GetSuccess("example.com")
	assert.False(t, ok)

	c.SetSuccess("example.com", dns.TypeSRV)

	got, ok := c.GetSuccess("example.com")
	require.True(t, ok)
	assert.Equal(t, uint16(dns.TypeSRV), got)
}

func TestPurgeRemovesExpired(t *testing.T) {
	c := New(Options{BadTTL: time.Second, EmptyTTL: time.Second, StaleTTL: 0, MaxSize: 100})

	set := &AnswerSet{Records: []dns.RR{aRecord("purge.example.com", 1, "1.2.3.4")}}
	c.Insert(set, "", 0, false, false)

	key := Key(dns.TypeA, "purge.example.com")
	c.mu.Lock()
	c.entries[key].set.Expire = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	removed := c.Purge(nil)
	assert.Equal(t, 1, removed)

	got, _ := c.Get(key, true)
	assert.Nil(t, got)
}

func TestMaxSizeEvictsLeastRecentlyTouched(t *testing.T) {
	c := New(Options{BadTTL: time.Second, EmptyTTL: time.Second, StaleTTL: time.Hour, MaxSize: 2})

	for i, name := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		set := &AnswerSet{Records: []dns.RR{aRecord(name, 300, "1.2.3.4")}}
		c.Insert(set, "", 0, false, false)
		_ = i
	}

	_, _ = c.Get(Key(dns.TypeA, "a.example.com"), true)

	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	assert.Equal(t, 2, n)
}
