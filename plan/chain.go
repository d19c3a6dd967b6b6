package plan

// entryRef indexes an entry in the placement chain's fixed pool. nilRef marks
// both the end of the chain and "no entry".
type entryRef = int32

const nilRef entryRef = -1

// chain is the offset-ordered placement index: a singly linked arrangement of
// already-placed buffers embedded in three parallel carved arrays. Entries
// are allocated in placement order from a bump cursor and never freed; links
// are rewired as integer indices only.
type chain struct {
	offsets []int32
	buffers []int32
	next    []int32

	head entryRef
	free entryRef
}

func (c *chain) reset() {
	c.head = nilRef
	c.free = 0
}

// insert places a new entry for buffer id at the given offset, keeping the
// chain sorted by ascending offset. Equal offsets insert after existing
// entries, preserving placement order among them.
func (c *chain) insert(offset, id int32) {
	idx := c.free
	c.free++
	c.offsets[idx] = offset
	c.buffers[idx] = id

	if c.head == nilRef || c.offsets[c.head] > offset {
		c.next[idx] = c.head
		c.head = idx
		return
	}
	cur := c.head
	for {
		n := c.next[cur]
		if n == nilRef {
			c.next[cur] = idx
			c.next[idx] = nilRef
			return
		}
		if c.offsets[n] > offset {
			c.next[idx] = n
			c.next[cur] = idx
			return
		}
		cur = n
	}
}
