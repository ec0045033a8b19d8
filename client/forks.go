package client

import (
	builder_types "github.com/marioevz/builder-client/types"
	"github.com/marioevz/builder-client/types/common"
	beacon "github.com/protolambda/zrnt/eth2/beacon/common"
)

// ForkSchedule maps a slot to the milestone active at that slot.
type ForkSchedule interface {
	MilestoneAtSlot(slot beacon.Slot) common.Milestone
}

type ForkScheduleFunc func(slot beacon.Slot) common.Milestone

func (f ForkScheduleFunc) MilestoneAtSlot(slot beacon.Slot) common.Milestone {
	return f(slot)
}

var _ ForkSchedule = builder_types.SpecForkSchedule{}

// SpecForkSchedule reads the fork epochs of a beacon chain configuration.
func SpecForkSchedule(spec *beacon.Spec) ForkSchedule {
	return builder_types.SpecForkSchedule{Spec: spec}
}

// FixedMilestone is a schedule with a single milestone for every slot.
func FixedMilestone(milestone common.Milestone) ForkSchedule {
	return ForkScheduleFunc(func(beacon.Slot) common.Milestone {
		return milestone
	})
}
