// SPDX-License-Identifier: Apache-2.0

package krbsession

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlagList(t *testing.T) {
	flags := ContextFlagConf | ContextFlagMutual | ContextFlagDeleg
	flaglist := FlagList(flags)

	assert.ElementsMatch(t, []ContextFlag{ContextFlagConf, ContextFlagMutual, ContextFlagDeleg}, flaglist)
}

func TestFlagName(t *testing.T) {
	assert.Equal(t, "Delegation", FlagName(ContextFlagDeleg))
	assert.Equal(t, "Mutual authentication", FlagName(ContextFlagMutual))
	assert.Equal(t, "Message replay detection", FlagName(ContextFlagReplay))
	assert.Equal(t, "Out of sequence message detection", FlagName(ContextFlagSequence))
	assert.Equal(t, "Confidentiality", FlagName(ContextFlagConf))
	assert.Equal(t, "Integrity", FlagName(ContextFlagInteg))
	assert.Equal(t, "Unknown", FlagName(ContextFlag(1<<20)))
}
