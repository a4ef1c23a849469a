// Copyright 2025 Gustavo C. Viegas. All rights reserved.

// Package vk implements the GPU frame-synchronization surface
// using the Vulkan API.
// Unlike the kms path, images rendered here are not scanned out
// directly; presentation is paced by driver.TimerPresenter.
package vk

import (
	"errors"
	"fmt"
	"log"
	"time"

	vk "github.com/goki/vulkan"

	"scanout/driver"
)

// Render targets are fixed 32-bit BGRA.
const targetFormat = vk.FormatB8g8r8a8Unorm

// Device extensions every candidate must support. Empty today;
// the filter below is the hook for swapchain or external-memory
// extensions.
var requiredDeviceExts = []string{}

var (
	errNoMemoryType = errors.New("vk: no suitable memory type found")
	errInitFailed   = errors.New("vk: initialization failed")
)

// checkResult maps a non-success result to a descriptive error.
func checkResult(ret vk.Result, op string) error {
	if ret == vk.Success {
		return nil
	}
	return fmt.Errorf("vk: %s: %w", op, vk.Error(ret))
}

// device abstracts the Vulkan operations the surface ring uses,
// so ring logic can be exercised without a GPU.
type device interface {
	createSlotImage(width, height int) (slotImage, error)
	destroySlotImage(si slotImage)
	createFence() (vk.Fence, error)
	destroyFence(f vk.Fence)
	// waitFence returns driver.ErrGPUTimeout when the wait
	// exceeds timeout.
	waitFence(f vk.Fence, timeout time.Duration) error
	resetFence(f vk.Fence) error
	beginCommands(slot int) (vk.CommandBuffer, error)
	submit(cmd vk.CommandBuffer, f vk.Fence) error
	destroy()
}

// slotImage is one GPU render target with its backing memory and
// default view.
type slotImage struct {
	image vk.Image
	mem   vk.DeviceMemory
	view  vk.ImageView
}

// realDevice implements device on a Vulkan logical device.
type realDevice struct {
	inst     vk.Instance
	phys     vk.PhysicalDevice
	dev      vk.Device
	queue    vk.Queue
	qfam     uint32
	cmdPool  vk.CommandPool
	cmdBufs  []vk.CommandBuffer
	ownsInst bool
}

// newContext loads the library, creates an instance, ranks the
// physical devices and builds a logical device around the best
// graphics-capable one.
func newContext() (*realDevice, error) {
	if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		return nil, fmt.Errorf("vk: loading vulkan library: %w", err)
	}
	if err := vk.Init(); err != nil {
		return nil, fmt.Errorf("vk: initializing vulkan: %w", err)
	}
	var inst vk.Instance
	ret := vk.CreateInstance(&vk.InstanceCreateInfo{
		SType: vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &vk.ApplicationInfo{
			SType:            vk.StructureTypeApplicationInfo,
			PApplicationName: "scanout\x00",
			ApiVersion:       vk.MakeVersion(1, 1, 0),
		},
	}, nil, &inst)
	if err := checkResult(ret, "creating instance"); err != nil {
		return nil, err
	}
	vk.InitInstance(inst)

	phys, qfam, err := selectPhysicalDevice(inst)
	if err != nil {
		vk.DestroyInstance(inst, nil)
		return nil, err
	}
	d, err := fromPhysicalDevice(inst, phys, qfam)
	if err != nil {
		vk.DestroyInstance(inst, nil)
		return nil, err
	}
	d.ownsInst = true
	return d, nil
}

// fromPhysicalDevice builds the logical device, queue and command
// pool on an externally selected physical device.
func fromPhysicalDevice(inst vk.Instance, phys vk.PhysicalDevice, qfam uint32) (*realDevice, error) {
	var dev vk.Device
	ret := vk.CreateDevice(phys, &vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: 1,
		PQueueCreateInfos: []vk.DeviceQueueCreateInfo{{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: qfam,
			QueueCount:       1,
			PQueuePriorities: []float32{1},
		}},
	}, nil, &dev)
	if err := checkResult(ret, "creating device"); err != nil {
		return nil, err
	}
	var queue vk.Queue
	vk.GetDeviceQueue(dev, qfam, 0, &queue)

	var pool vk.CommandPool
	ret = vk.CreateCommandPool(dev, &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
		QueueFamilyIndex: qfam,
	}, nil, &pool)
	if err := checkResult(ret, "creating command pool"); err != nil {
		vk.DestroyDevice(dev, nil)
		return nil, err
	}
	cmdBufs := make([]vk.CommandBuffer, frameCount)
	ret = vk.AllocateCommandBuffers(dev, &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: frameCount,
	}, cmdBufs)
	if err := checkResult(ret, "allocating command buffers"); err != nil {
		vk.DestroyCommandPool(dev, pool, nil)
		vk.DestroyDevice(dev, nil)
		return nil, err
	}
	return &realDevice{
		inst:    inst,
		phys:    phys,
		dev:     dev,
		queue:   queue,
		qfam:    qfam,
		cmdPool: pool,
		cmdBufs: cmdBufs,
	}, nil
}

// selectPhysicalDevice filters devices to those exposing the
// required extensions and a graphics-capable queue family, then
// ranks discrete > integrated > virtual > cpu > other.
func selectPhysicalDevice(inst vk.Instance) (vk.PhysicalDevice, uint32, error) {
	var n uint32
	if err := checkResult(vk.EnumeratePhysicalDevices(inst, &n, nil), "enumerating devices"); err != nil {
		return nil, 0, err
	}
	if n == 0 {
		return nil, 0, driver.ErrNoDevice
	}
	devs := make([]vk.PhysicalDevice, n)
	if err := checkResult(vk.EnumeratePhysicalDevices(inst, &n, devs), "enumerating devices"); err != nil {
		return nil, 0, err
	}

	var best vk.PhysicalDevice
	var bestFam uint32
	bestRank := int(^uint(0) >> 1)
	for _, pd := range devs {
		if !hasDeviceExts(pd, requiredDeviceExts) {
			continue
		}
		fam, ok := graphicsQueueFamily(pd)
		if !ok {
			continue
		}
		var props vk.PhysicalDeviceProperties
		vk.GetPhysicalDeviceProperties(pd, &props)
		props.Deref()
		if r := deviceRank(props.DeviceType); r < bestRank {
			best, bestFam, bestRank = pd, fam, r
		}
	}
	if best == nil {
		return nil, 0, driver.ErrNoDevice
	}
	return best, bestFam, nil
}

func deviceRank(t vk.PhysicalDeviceType) int {
	switch t {
	case vk.PhysicalDeviceTypeDiscreteGpu:
		return 0
	case vk.PhysicalDeviceTypeIntegratedGpu:
		return 1
	case vk.PhysicalDeviceTypeVirtualGpu:
		return 2
	case vk.PhysicalDeviceTypeCpu:
		return 3
	case vk.PhysicalDeviceTypeOther:
		return 4
	}
	return 5
}

func graphicsQueueFamily(pd vk.PhysicalDevice) (uint32, bool) {
	var n uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &n, nil)
	if n == 0 {
		return 0, false
	}
	props := make([]vk.QueueFamilyProperties, n)
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &n, props)
	for i := range props {
		props[i].Deref()
		if props[i].QueueFlags&vk.QueueFlags(vk.QueueGraphicsBit) != 0 {
			return uint32(i), true
		}
	}
	return 0, false
}

func hasDeviceExts(pd vk.PhysicalDevice, names []string) bool {
	if len(names) == 0 {
		return true
	}
	var n uint32
	if vk.EnumerateDeviceExtensionProperties(pd, "", &n, nil) != vk.Success {
		return false
	}
	props := make([]vk.ExtensionProperties, n)
	if vk.EnumerateDeviceExtensionProperties(pd, "", &n, props) != vk.Success {
		return false
	}
	have := make(map[string]bool, n)
	for i := range props {
		props[i].Deref()
		have[vk.ToString(props[i].ExtensionName[:])] = true
	}
	for _, name := range names {
		if !have[name] {
			return false
		}
	}
	return true
}

func (d *realDevice) createSlotImage(width, height int) (slotImage, error) {
	var img vk.Image
	ret := vk.CreateImage(d.dev, &vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    targetFormat,
		Extent: vk.Extent3D{
			Width:  uint32(width),
			Height: uint32(height),
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageTransferSrcBit),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}, nil, &img)
	if err := checkResult(ret, "creating render target image"); err != nil {
		return slotImage{}, err
	}

	var req vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.dev, img, &req)
	req.Deref()
	idx, err := d.memoryTypeIndex(req.MemoryTypeBits, vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit))
	if err != nil {
		vk.DestroyImage(d.dev, img, nil)
		return slotImage{}, err
	}
	var mem vk.DeviceMemory
	ret = vk.AllocateMemory(d.dev, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  req.Size,
		MemoryTypeIndex: idx,
	}, nil, &mem)
	if err := checkResult(ret, "allocating image memory"); err != nil {
		vk.DestroyImage(d.dev, img, nil)
		return slotImage{}, err
	}
	if err := checkResult(vk.BindImageMemory(d.dev, img, mem, 0), "binding image memory"); err != nil {
		vk.FreeMemory(d.dev, mem, nil)
		vk.DestroyImage(d.dev, img, nil)
		return slotImage{}, err
	}

	var view vk.ImageView
	ret = vk.CreateImageView(d.dev, &vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    img,
		ViewType: vk.ImageViewType2d,
		Format:   targetFormat,
		Components: vk.ComponentMapping{
			R: vk.ComponentSwizzleIdentity,
			G: vk.ComponentSwizzleIdentity,
			B: vk.ComponentSwizzleIdentity,
			A: vk.ComponentSwizzleIdentity,
		},
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LevelCount: 1,
			LayerCount: 1,
		},
	}, nil, &view)
	if err := checkResult(ret, "creating image view"); err != nil {
		vk.FreeMemory(d.dev, mem, nil)
		vk.DestroyImage(d.dev, img, nil)
		return slotImage{}, err
	}
	return slotImage{image: img, mem: mem, view: view}, nil
}

func (d *realDevice) destroySlotImage(si slotImage) {
	if si.view != vk.NullImageView {
		vk.DestroyImageView(d.dev, si.view, nil)
	}
	if si.image != vk.NullImage {
		vk.DestroyImage(d.dev, si.image, nil)
	}
	if si.mem != vk.NullDeviceMemory {
		vk.FreeMemory(d.dev, si.mem, nil)
	}
}

func (d *realDevice) memoryTypeIndex(bits uint32, want vk.MemoryPropertyFlags) (uint32, error) {
	var props vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(d.phys, &props)
	props.Deref()
	for i := uint32(0); i < props.MemoryTypeCount; i++ {
		props.MemoryTypes[i].Deref()
		if bits&(1<<i) == 0 {
			continue
		}
		if props.MemoryTypes[i].PropertyFlags&want == want {
			return i, nil
		}
	}
	return 0, errNoMemoryType
}

func (d *realDevice) createFence() (vk.Fence, error) {
	var f vk.Fence
	ret := vk.CreateFence(d.dev, &vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}, nil, &f)
	if err := checkResult(ret, "creating fence"); err != nil {
		return vk.NullFence, err
	}
	return f, nil
}

func (d *realDevice) destroyFence(f vk.Fence) {
	vk.DestroyFence(d.dev, f, nil)
}

func (d *realDevice) waitFence(f vk.Fence, timeout time.Duration) error {
	switch ret := vk.WaitForFences(d.dev, 1, []vk.Fence{f}, vk.True, uint64(timeout)); ret {
	case vk.Success:
		return nil
	case vk.Timeout:
		return driver.ErrGPUTimeout
	default:
		return checkResult(ret, "waiting for fence")
	}
}

func (d *realDevice) resetFence(f vk.Fence) error {
	return checkResult(vk.ResetFences(d.dev, 1, []vk.Fence{f}), "resetting fence")
}

func (d *realDevice) beginCommands(slot int) (vk.CommandBuffer, error) {
	cmd := d.cmdBufs[slot]
	ret := vk.BeginCommandBuffer(cmd, &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	})
	if err := checkResult(ret, "beginning command buffer"); err != nil {
		return nil, err
	}
	return cmd, nil
}

func (d *realDevice) submit(cmd vk.CommandBuffer, f vk.Fence) error {
	if err := checkResult(vk.EndCommandBuffer(cmd), "ending command buffer"); err != nil {
		return err
	}
	ret := vk.QueueSubmit(d.queue, 1, []vk.SubmitInfo{{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{cmd},
	}}, f)
	return checkResult(ret, "submitting queue work")
}

func (d *realDevice) destroy() {
	if d.dev != nil {
		vk.DeviceWaitIdle(d.dev)
		vk.DestroyCommandPool(d.dev, d.cmdPool, nil)
		vk.DestroyDevice(d.dev, nil)
		d.dev = nil
	}
	if d.ownsInst && d.inst != nil {
		vk.DestroyInstance(d.inst, nil)
		d.inst = nil
	}
	log.Printf("vk: context destroyed")
}
