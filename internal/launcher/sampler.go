package launcher

// Sampler reads the resident set size of a process
type Sampler interface {
	RSS(pid int) (int64, error)
}
