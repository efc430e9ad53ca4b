//go:build !386

package v86

import "github.com/dosemu-go/coredos/coreregs"

type stubImpl struct{}

func newImpl() vm86Impl { return stubImpl{} }

func (stubImpl) available() bool { return false }

func (stubImpl) enter(cs *coreregs.CPUState) (int, int, error) {
	panic("v86: enter called on an unavailable backend; Setup should have failed first")
}
