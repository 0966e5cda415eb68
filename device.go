package erofs

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/erofs/go-erofs/internal/disk"
)

// DeviceSpec describes one extra device of a multi-device image.
type DeviceSpec struct {
	Tag          [64]byte
	Blocks       uint32
	MappedBlocks uint32
}

// DeviceInfo is the extra device table. Mask is applied to the device id of
// every chunk index.
type DeviceInfo struct {
	Mask  uint16
	Specs []DeviceSpec
}

func (f *FileSystem) readDeviceInfo() (DeviceInfo, error) {
	extra := uint64(f.sb.ExtraDevices)
	info := DeviceInfo{
		Mask:  uint16(roundUpPow2(extra+1) - 1),
		Specs: make([]DeviceSpec, 0, extra),
	}
	if extra == 0 {
		return info, nil
	}

	r := newStreamReader(f.ContinuousIter(uint64(f.sb.DevtSlotOff)*disk.SizeDeviceSlot, extra*disk.SizeDeviceSlot))
	defer r.close()
	var b [disk.SizeDeviceSlot]byte
	for i := range extra {
		if err := r.readFull(b[:]); err != nil {
			return DeviceInfo{}, fmt.Errorf("read device slot %d: %w", i, err)
		}
		var slot disk.DeviceSlot
		if _, err := binary.Decode(b[:], binary.LittleEndian, &slot); err != nil {
			return DeviceInfo{}, err
		}
		info.Specs = append(info.Specs, DeviceSpec{
			Tag:          slot.Tag,
			Blocks:       slot.Blocks,
			MappedBlocks: slot.MappedBlkAddr,
		})
	}
	return info, nil
}

func roundUpPow2(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len64(v-1)
}
