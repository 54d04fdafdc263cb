/*
 * Copyright (c) 2021, TeaVPN2 Authors.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package server

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlotStackPopOrder(t *testing.T) {

	stack := newSlotStack(4)
	require.Equal(t, 4, stack.free())

	for want := uint16(0); want < 4; want++ {
		idx, ok := stack.pop()
		require.True(t, ok)
		require.Equal(t, want, idx)
	}

	_, ok := stack.pop()
	require.False(t, ok)
	require.Equal(t, 0, stack.free())
}

func TestSlotStackLIFOReuse(t *testing.T) {

	stack := newSlotStack(4)

	first, _ := stack.pop()
	second, _ := stack.pop()
	require.Equal(t, uint16(0), first)
	require.Equal(t, uint16(1), second)

	// A recycled index is handed out before untouched ones.
	stack.push(first)
	reused, ok := stack.pop()
	require.True(t, ok)
	require.Equal(t, first, reused)
}

func TestSlotStackConservation(t *testing.T) {

	const capacity = 16
	stack := newSlotStack(capacity)

	inUse := map[uint16]bool{}

	take := func(n int) {
		for i := 0; i < n; i++ {
			idx, ok := stack.pop()
			if !ok {
				return
			}
			require.False(t, inUse[idx])
			inUse[idx] = true
		}
	}
	give := func(n int) {
		for idx := range inUse {
			if n == 0 {
				break
			}
			stack.push(idx)
			delete(inUse, idx)
			n--
		}
	}

	for _, step := range []struct{ take, give int }{
		{5, 2}, {10, 7}, {16, 0}, {0, 16},
	} {
		take(step.take)
		give(step.give)
		require.Equal(t, capacity, stack.free()+len(inUse))
	}
}

func TestSlotStackMisusePanics(t *testing.T) {

	stack := newSlotStack(2)

	require.Panics(t, func() {
		stack.push(0)
	})

	stack.pop()
	stack.pop()
	stack.push(1)
	stack.push(0)
	require.Panics(t, func() {
		stack.push(0)
	})
}
