//go:build !govips || !cgo

package pipeline

func Startup() error {
	return nil
}

func Shutdown() {}

func newStages(cfg StageConfig) (Stages, error) {
	return newPureStages(cfg)
}
