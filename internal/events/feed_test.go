package events

import "testing"

func TestFeedPublishReachesAllSubscribers(t *testing.T) {
	var f Feed[int]
	var a, b []int
	f.Subscribe(func(v int) { a = append(a, v) })
	f.Subscribe(func(v int) { b = append(b, v) })
	f.Publish(1)
	f.Publish(2)
	if len(a) != 2 || len(b) != 2 || a[1] != 2 || b[0] != 1 {
		t.Fatalf("unexpected deliveries: a=%v b=%v", a, b)
	}
}

func TestFeedSubscribeFromCallback(t *testing.T) {
	var f Feed[string]
	var got []string
	f.Subscribe(func(v string) {
		got = append(got, v)
		if v == "first" {
			f.Subscribe(func(v string) { got = append(got, "late:"+v) })
		}
	})
	f.Publish("first")
	f.Publish("second")
	if len(got) != 3 || got[2] != "late:second" {
		t.Fatalf("unexpected deliveries: %v", got)
	}
}
