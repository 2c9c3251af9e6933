package xhci

import (
	"github.com/c35s/xhcid/dma"
	"github.com/c35s/xhcid/pci"
	"github.com/c35s/xhcid/vfio"
	"golang.org/x/sys/unix"
)

// The controller is served over vfio-user as a PCI function with one
// 32-bit memory BAR and one MSI-X vector.

// RegionSize reports the size of the controller's vfio regions: the MMIO
// BAR and PCI configuration space.
func (c *Controller) RegionSize(index uint32) uint64 {
	switch index {
	case vfio.RegionBAR0:
		return BARSize
	case vfio.RegionConfig:
		return pci.ConfigSpaceSize
	}

	return 0
}

// RegionRead handles a read of configuration space or the MMIO BAR.
func (c *Controller) RegionRead(index uint32, off uint64, p []byte) error {
	switch index {
	case vfio.RegionConfig:
		if len(p) > 8 || off > pci.ConfigSpaceSize-uint64(len(p)) {
			return unix.EINVAL
		}

		c.mu.Lock()
		putLE(p, c.cfg.Read(int(off), len(p)))
		c.mu.Unlock()

		return nil

	case vfio.RegionBAR0:
		if uint64(len(p)) > BARSize || off > BARSize-uint64(len(p)) {
			return unix.EINVAL
		}

		c.barRead(off, p)
		return nil
	}

	return unix.EINVAL
}

// RegionWrite handles a write to configuration space or the MMIO BAR.
func (c *Controller) RegionWrite(index uint32, off uint64, p []byte) error {
	switch index {
	case vfio.RegionConfig:
		if len(p) > 8 || off > pci.ConfigSpaceSize-uint64(len(p)) {
			return unix.EINVAL
		}

		c.mu.Lock()
		c.cfg.Write(int(off), len(p), getLE(p))
		c.mu.Unlock()

		return nil

	case vfio.RegionBAR0:
		if uint64(len(p)) > BARSize || off > BARSize-uint64(len(p)) {
			return unix.EINVAL
		}

		c.barWrite(off, p)
		return nil
	}

	return unix.EINVAL
}

// IRQCount reports one MSI-X vector and no other interrupt types.
func (c *Controller) IRQCount(index uint32) uint32 {
	if index == vfio.IRQMSIX {
		return numInterrupters
	}

	return 0
}

// SetIRQ installs the eventfd the hypervisor listens on for MSI-X vector
// 0. An fd of -1 tears it down.
func (c *Controller) SetIRQ(index, vector uint32, fd int) error {
	if index != vfio.IRQMSIX || vector >= numInterrupters {
		return unix.EINVAL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if fd < 0 {
		c.irq = nil
		return nil
	}

	c.log.Debug("msi-x eventfd installed", "vector", vector)

	c.irq = func() error {
		var one [8]byte
		le.PutUint64(one[:], 1)
		_, err := unix.Write(fd, one[:])
		return err
	}

	return nil
}

// MapDMA mmaps the file the hypervisor shared and registers the mapping
// as guest memory.
func (c *Controller) MapDMA(addr, size uint64, writable bool, fd int, fileOff uint64) error {
	defer unix.Close(fd)

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	mem, err := unix.Mmap(fd, int64(fileOff), int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return err
	}

	region := dma.NewRegion(addr, mem, writable, func() error {
		return unix.Munmap(mem)
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.mem.Map(region); err != nil {
		unix.Munmap(mem)
		return unix.EEXIST
	}

	return nil
}

// UnmapDMA removes a guest memory mapping and releases its mmap.
func (c *Controller) UnmapDMA(addr, size uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.mem.Unmap(addr, size); err != nil {
		return unix.ENOENT
	}

	return nil
}

// Reset returns the controller to its power-on state. DMA mappings and
// the interrupt eventfd survive a reset: they belong to the connection,
// not the device.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reset()
	return nil
}

// Close releases guest memory mappings and the attached devices. The
// controller is not usable afterward.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mem.UnmapAll()

	for _, p := range c.ports {
		if p != nil && p.dev != nil {
			if err := p.dev.Close(); err != nil {
				c.log.Warn("close device", "error", err)
			}
		}
	}

	return nil
}
