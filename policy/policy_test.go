package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arvonlabs/sysutil/job"
	"github.com/arvonlabs/sysutil/list"
)

func newJob(id string) *job.Job {
	return job.New(id, job.Func(func(stop func() bool) {}))
}

func TestFIFOOrder(t *testing.T) {
	var pending list.List[*job.Job]
	var p FIFO
	j1, j2, j3 := newJob("1"), newJob("2"), newJob("3")
	p.EnqJob(&pending, j1)
	p.EnqJob(&pending, j2)
	p.EnqJob(&pending, j3)

	assert.Equal(t, "1", p.DeqJob(&pending).ID)
	assert.Equal(t, "2", p.DeqJob(&pending).ID)
	assert.Equal(t, "3", p.DeqJob(&pending).ID)
	assert.Nil(t, p.DeqJob(&pending))
}

func TestFIFOEnqFrontJumpsQueue(t *testing.T) {
	var pending list.List[*job.Job]
	var p FIFO
	j1, j2 := newJob("1"), newJob("2")
	p.EnqJob(&pending, j1)
	p.EnqJobFront(&pending, j2)
	assert.Equal(t, "2", p.DeqJob(&pending).ID)
	assert.Equal(t, "1", p.DeqJob(&pending).ID)
}

func TestLIFOOrder(t *testing.T) {
	var pending list.List[*job.Job]
	var p LIFO
	j1, j2, j3 := newJob("1"), newJob("2"), newJob("3")
	p.EnqJob(&pending, j1)
	p.EnqJob(&pending, j2)
	p.EnqJob(&pending, j3)

	assert.Equal(t, "3", p.DeqJob(&pending).ID)
	assert.Equal(t, "2", p.DeqJob(&pending).ID)
	assert.Equal(t, "1", p.DeqJob(&pending).ID)
}
