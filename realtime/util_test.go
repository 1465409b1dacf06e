package realtime

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackListOrder(t *testing.T) {
	callbackList := NewCallbackList[func() int]()

	a := callbackList.Add(func() int { return 1 })
	callbackList.Add(func() int { return 2 })
	callbackList.Add(func() int { return 3 })

	values := []int{}
	for _, callback := range callbackList.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, []int{1, 2, 3}, values)

	callbackList.Remove(a)
	values = []int{}
	for _, callback := range callbackList.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, []int{2, 3}, values)

	// removing an unknown id is a no-op
	callbackList.Remove(a)
	assert.Equal(t, 2, len(callbackList.Get()))

	callbackList.Clear()
	assert.Equal(t, 0, len(callbackList.Get()))
}

func TestCallbackListMutateDuringDispatch(t *testing.T) {
	callbackList := NewCallbackList[func()]()

	calls := 0
	var removeSecond func()
	callbackList.Add(func() {
		calls += 1
		removeSecond()
	})
	secondId := callbackList.Add(func() {
		calls += 1
	})
	removeSecond = func() {
		callbackList.Remove(secondId)
	}

	// the dispatch snapshot is taken before the first callback removes
	// the second, so both run this round
	for _, callback := range callbackList.Get() {
		callback()
	}
	assert.Equal(t, 2, calls)

	for _, callback := range callbackList.Get() {
		callback()
	}
	assert.Equal(t, 3, calls)
}

func TestIdParseEncode(t *testing.T) {
	id := NewId()
	parsed, err := ParseId(id.String())
	assert.Equal(t, nil, err)
	assert.Equal(t, id, parsed)

	_, err = ParseId("not-a-uuid")
	assert.NotEqual(t, nil, err)
}
