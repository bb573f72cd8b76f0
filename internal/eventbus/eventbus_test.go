package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	b := New()
	var got []int
	b.Subscribe(func(_ interface{}, ev interface{}) { got = append(got, ev.(int)) })
	b.Subscribe(func(_ interface{}, ev interface{}) { got = append(got, ev.(int)*10) })

	b.Publish("src", 5)
	if len(got) != 2 || got[0] != 5 || got[1] != 50 {
		t.Fatalf("got %v", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	called := false
	tag := b.Subscribe(func(_ interface{}, _ interface{}) { called = true })
	b.Unsubscribe(tag)
	b.Publish("src", 1)
	if called {
		t.Fatal("unsubscribed callback was called")
	}
}

func TestDeferredUnsubscribeDuringPublish(t *testing.T) {
	b := New()
	var tag Tag
	count := 0
	tag = b.Subscribe(func(_ interface{}, _ interface{}) {
		count++
		b.Unsubscribe(tag)
	})
	b.Publish("src", 1)
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	b.Publish("src", 1)
	if count != 1 {
		t.Fatalf("unsubscribe did not take effect after publish completed: count = %d", count)
	}
}

func TestSubscribeDuringPublishDeferred(t *testing.T) {
	b := New()
	var second bool
	b.Subscribe(func(_ interface{}, _ interface{}) {
		b.Subscribe(func(_ interface{}, _ interface{}) { second = true })
	})
	b.Publish("src", 1)
	if second {
		t.Fatal("subscription added during publish fired in the same publish")
	}
	b.Publish("src", 1)
	if !second {
		t.Fatal("subscription added during publish did not fire on next publish")
	}
}
