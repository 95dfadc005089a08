package detector

// Detector is a strategy that determines whether something a provisioning
// step depends on is already in place: a file, a running process, a bound port.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the target is detected.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// Any reports true when at least one detector does. Errors from individual
// detectors are skipped unless none succeeds, in which case the first is returned.
func Any(ds ...Detector) (bool, string, error) {
	var firstErr error
	for _, d := range ds {
		ok, err := d.Alive()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return true, d.Describe(), nil
		}
	}
	return false, "", firstErr
}
