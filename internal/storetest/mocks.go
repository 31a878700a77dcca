// Package storetest provides gomock-generated-style doubles for
// bdtree.PointerTable and bdtree.NodeTable, for tests that need to script
// exact CAS failure/retry sequences that a real backend would only produce
// under genuine concurrent contention.
package storetest

import (
	"context"
	"reflect"

	"go.uber.org/mock/gomock"

	"github.com/tellproject/bdtree"
)

// MockPointerTable is a mock of the bdtree.PointerTable interface.
type MockPointerTable struct {
	ctrl     *gomock.Controller
	recorder *MockPointerTableMockRecorder
}

// MockPointerTableMockRecorder is the mock recorder for MockPointerTable.
type MockPointerTableMockRecorder struct {
	mock *MockPointerTable
}

// NewMockPointerTable constructs a new mock.
func NewMockPointerTable(ctrl *gomock.Controller) *MockPointerTable {
	m := &MockPointerTable{ctrl: ctrl}
	m.recorder = &MockPointerTableMockRecorder{m}
	return m
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockPointerTable) EXPECT() *MockPointerTableMockRecorder { return m.recorder }

func (m *MockPointerTable) AllocateNext(ctx context.Context) (bdtree.LogicalPointer, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "AllocateNext", ctx)
	return ret[0].(bdtree.LogicalPointer), asError(ret[1])
}

func (mr *MockPointerTableMockRecorder) AllocateNext(ctx interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "AllocateNext", reflect.TypeOf((*MockPointerTable)(nil).AllocateNext), ctx)
}

func (m *MockPointerTable) Read(ctx context.Context, l bdtree.LogicalPointer) (bdtree.PhysicalPointer, uint64, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Read", ctx, l)
	return ret[0].(bdtree.PhysicalPointer), ret[1].(uint64), asError(ret[2])
}

func (mr *MockPointerTableMockRecorder) Read(ctx, l interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Read", reflect.TypeOf((*MockPointerTable)(nil).Read), ctx, l)
}

func (m *MockPointerTable) Insert(ctx context.Context, l bdtree.LogicalPointer, p bdtree.PhysicalPointer) (uint64, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Insert", ctx, l, p)
	return ret[0].(uint64), asError(ret[1])
}

func (mr *MockPointerTableMockRecorder) Insert(ctx, l, p interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Insert", reflect.TypeOf((*MockPointerTable)(nil).Insert), ctx, l, p)
}

func (m *MockPointerTable) Update(ctx context.Context, l bdtree.LogicalPointer, newP bdtree.PhysicalPointer, expectedVersion uint64) (uint64, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Update", ctx, l, newP, expectedVersion)
	return ret[0].(uint64), asError(ret[1])
}

func (mr *MockPointerTableMockRecorder) Update(ctx, l, newP, expectedVersion interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Update", reflect.TypeOf((*MockPointerTable)(nil).Update), ctx, l, newP, expectedVersion)
}

func (m *MockPointerTable) Remove(ctx context.Context, l bdtree.LogicalPointer, expectedVersion uint64) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Remove", ctx, l, expectedVersion)
	return asError(ret[0])
}

func (mr *MockPointerTableMockRecorder) Remove(ctx, l, expectedVersion interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Remove", reflect.TypeOf((*MockPointerTable)(nil).Remove), ctx, l, expectedVersion)
}

// MockNodeTable is a mock of the bdtree.NodeTable interface.
type MockNodeTable struct {
	ctrl     *gomock.Controller
	recorder *MockNodeTableMockRecorder
}

// MockNodeTableMockRecorder is the mock recorder for MockNodeTable.
type MockNodeTableMockRecorder struct {
	mock *MockNodeTable
}

// NewMockNodeTable constructs a new mock.
func NewMockNodeTable(ctrl *gomock.Controller) *MockNodeTable {
	m := &MockNodeTable{ctrl: ctrl}
	m.recorder = &MockNodeTableMockRecorder{m}
	return m
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockNodeTable) EXPECT() *MockNodeTableMockRecorder { return m.recorder }

func (m *MockNodeTable) AllocateNext(ctx context.Context) (bdtree.PhysicalPointer, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "AllocateNext", ctx)
	return ret[0].(bdtree.PhysicalPointer), asError(ret[1])
}

func (mr *MockNodeTableMockRecorder) AllocateNext(ctx interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "AllocateNext", reflect.TypeOf((*MockNodeTable)(nil).AllocateNext), ctx)
}

func (m *MockNodeTable) Read(ctx context.Context, p bdtree.PhysicalPointer) ([]byte, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Read", ctx, p)
	data, _ := ret[0].([]byte)
	return data, asError(ret[1])
}

func (mr *MockNodeTableMockRecorder) Read(ctx, p interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Read", reflect.TypeOf((*MockNodeTable)(nil).Read), ctx, p)
}

func (m *MockNodeTable) Insert(ctx context.Context, p bdtree.PhysicalPointer, data []byte) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Insert", ctx, p, data)
	return asError(ret[0])
}

func (mr *MockNodeTableMockRecorder) Insert(ctx, p, data interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Insert", reflect.TypeOf((*MockNodeTable)(nil).Insert), ctx, p, data)
}

func (m *MockNodeTable) Remove(ctx context.Context, p bdtree.PhysicalPointer) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Remove", ctx, p)
	return asError(ret[0])
}

func (mr *MockNodeTableMockRecorder) Remove(ctx, p interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Remove", reflect.TypeOf((*MockNodeTable)(nil).Remove), ctx, p)
}

func asError(v interface{}) error {
	if v == nil {
		return nil
	}
	return v.(error)
}
