package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCloneIsDeep(t *testing.T) {
	m := New()
	m.Add(NewStringElement("ns", "a", "one"))

	c := m.Clone()
	require.Equal(t, m.ID, c.ID)

	c.Elements[0].Value[0] = 'X'
	c.Add(NewStringElement("ns", "b", "two"))

	s, err := m.GetString("ns", "a")
	require.NoError(t, err)
	require.Equal(t, "one", s)
	_, err = m.Get("ns", "b")
	require.ErrorIs(t, err, ErrElementNotFound)
}

func TestRemoveAndReplace(t *testing.T) {
	m := New()
	m.Add(NewStringElement("ns", "a", "1"))
	m.Add(NewStringElement("ns", "b", "2"))
	m.Add(NewStringElement("ns", "a", "3"))
	m.Add(NewStringElement("other", "a", "4"))

	require.True(t, m.Remove("ns", "a"))
	require.False(t, m.Remove("ns", "a"))
	require.Len(t, m.Elements, 2)

	m.Replace(NewStringElement("ns", "b", "5"))
	m.Replace(NewStringElement("ns", "b", "6"))
	require.Len(t, m.Elements, 2)

	s, err := m.GetString("ns", "b")
	require.NoError(t, err)
	require.Equal(t, "6", s)
}

func TestWireForm(t *testing.T) {
	m := New()
	m.Add(NewElement("ns", "bin", MimeCBOR, []byte{0, 1, 2}))

	b, err := m.Marshal()
	require.NoError(t, err)

	m2, err := Unmarshal(b)
	require.NoError(t, err)
	require.Equal(t, m.ID, m2.ID)
	require.Equal(t, m.Elements, m2.Elements)
}
