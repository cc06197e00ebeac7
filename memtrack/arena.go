package memtrack

const arenaPageSize = 1024

const arenaNilIndex int32 = -1

type allocationNode struct {
	info     AllocationInfo
	nextFree int32
}

// nodeArena hands out leak-detector bookkeeping nodes from preallocated
// pages, threaded through an index-based free list. Keeping node storage
// out of the tracked allocation path means recording an allocation can
// never recurse into the allocator being recorded, and lets the detector
// release all of its own memory in one step when disabled.
type nodeArena struct {
	pages    [][]allocationNode
	freeHead int32
}

func newNodeArena() *nodeArena {
	return &nodeArena{
		freeHead: arenaNilIndex,
	}
}

func (a *nodeArena) node(index int32) *allocationNode {
	return &a.pages[index/arenaPageSize][index%arenaPageSize]
}

// grow adds one page and threads its slots onto the free list.
func (a *nodeArena) grow() {
	base := int32(len(a.pages)) * arenaPageSize
	page := make([]allocationNode, arenaPageSize)

	for i := range page {
		page[i].nextFree = a.freeHead
		a.freeHead = base + int32(i)
	}

	a.pages = append(a.pages, page)
}

func (a *nodeArena) alloc() int32 {
	if a.freeHead == arenaNilIndex {
		a.grow()
	}

	index := a.freeHead
	node := a.node(index)
	a.freeHead = node.nextFree
	node.nextFree = arenaNilIndex
	node.info = AllocationInfo{}

	return index
}

func (a *nodeArena) free(index int32) {
	node := a.node(index)
	node.info = AllocationInfo{}
	node.nextFree = a.freeHead
	a.freeHead = index
}

// release drops every page at once. Used only at detector shutdown.
func (a *nodeArena) release() {
	a.pages = nil
	a.freeHead = arenaNilIndex
}
