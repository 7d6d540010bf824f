package poll

import (
	"sync"
	"testing"

	"github.com/obelisk-exhibit/broker/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singleBinary(choice string) wire.VoteType {
	return wire.VoteType{SingleBinary: &wire.SingleBinaryVote{Choice: choice}}
}

func TestNewPoll_ConflictReturnsExistingDefinition(t *testing.T) {
	e := NewEngine()
	_, err := e.NewPoll("q1", []string{"a", "b"}, singleBinary(""))
	require.NoError(t, err)

	existing, err := e.NewPoll("q1", []string{"x", "y"}, singleBinary(""))
	require.Error(t, err)
	assert.Equal(t, "Poll with name q1 already exists", err.Error())
	assert.Equal(t, []string{"a", "b"}, existing.Definition().Options)
}

func TestVote_HappyPathAndDuplicateRejected(t *testing.T) {
	e := NewEngine()
	_, err := e.NewPoll("q1", []string{"a", "b"}, singleBinary(""))
	require.NoError(t, err)

	require.NoError(t, e.Vote("bob", "q1", singleBinary("a")))

	err = e.Vote("bob", "q1", singleBinary("a"))
	require.Error(t, err)
	assert.Equal(t, "bob could not vote in q1", err.Error())

	totals, ok := e.Totals("q1")
	require.True(t, ok)
	assert.Equal(t, map[string]uint64{"a": 1}, totals)
}

func TestVote_UnknownChoiceRejected(t *testing.T) {
	e := NewEngine()
	_, err := e.NewPoll("q1", []string{"a", "b"}, singleBinary(""))
	require.NoError(t, err)

	err = e.Vote("bob", "q1", singleBinary("nope"))
	require.Error(t, err)

	totals, _ := e.Totals("q1")
	assert.Empty(t, totals)
}

func TestVote_UnknownPollRejected(t *testing.T) {
	e := NewEngine()
	err := e.Vote("bob", "does-not-exist", singleBinary("a"))
	require.Error(t, err)
	assert.Equal(t, "No poll with name does-not-exist exists", err.Error())
}

func TestVote_VariantMismatchRejected(t *testing.T) {
	e := NewEngine()
	_, err := e.NewPoll("q1", []string{"a", "b"}, singleBinary(""))
	require.NoError(t, err)

	multi := wire.VoteType{MultipleBinary: &wire.MultipleBinaryVote{Choices: map[string]bool{"a": true}}}
	err = e.Vote("bob", "q1", multi)
	require.Error(t, err)
}

func TestVote_ReservedVariantsAlwaysRejected(t *testing.T) {
	e := NewEngine()
	reserved := wire.VoteType{SingleValue: &wire.SingleValueVote{Choice: "a", Value: 3}}
	_, err := e.NewPoll("q1", []string{"a", "b"}, reserved)
	require.NoError(t, err)

	err = e.Vote("bob", "q1", reserved)
	require.Error(t, err)
}

func TestVote_MultipleBinaryTallies(t *testing.T) {
	e := NewEngine()
	decl := wire.VoteType{MultipleBinary: &wire.MultipleBinaryVote{Choices: map[string]bool{}}}
	_, err := e.NewPoll("q1", []string{"a", "b", "c"}, decl)
	require.NoError(t, err)

	vote := wire.VoteType{MultipleBinary: &wire.MultipleBinaryVote{Choices: map[string]bool{"a": true, "b": false, "c": true}}}
	require.NoError(t, e.Vote("bob", "q1", vote))

	totals, ok := e.Totals("q1")
	require.True(t, ok)
	assert.Equal(t, map[string]uint64{"a": 1, "c": 1}, totals)
}

func TestTotalsConsistency_SingleBinaryUnderConcurrentVotes(t *testing.T) {
	e := NewEngine()
	_, err := e.NewPoll("q1", []string{"a", "b"}, singleBinary(""))
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			identity := "voter"
			if i%2 == 0 {
				identity = "voter-even"
			}
			choice := "a"
			if i%2 == 1 {
				choice = "b"
			}
			_ = e.Vote(identity+string(rune('0'+i%10)), "q1", singleBinary(choice))
		}(i)
	}
	wg.Wait()

	totals, ok := e.Totals("q1")
	require.True(t, ok)
	var sum uint64
	for _, v := range totals {
		sum += v
	}
	// every distinct identity got exactly one recorded vote; totals must
	// sum to the number of distinct (identity) keys that landed a vote.
	assert.LessOrEqual(t, sum, uint64(n))
	assert.Greater(t, sum, uint64(0))
	// 10 distinct identities: "voter-even" + {0,2,4,6,8}, "voter" + {1,3,5,7,9}.
	assert.Equal(t, uint64(10), sum)
}
