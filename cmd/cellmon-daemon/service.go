/*
cellmon-daemon - monitors per-cell battery pack voltages
Copyright (C) 2025, The PackSense Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package main

import (
	"errors"

	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"

	"github.com/PackSenseProject/cellmon/cellmon"
	"github.com/PackSenseProject/cellmon/params"
)

const (
	dbusName = "org.packsense.CellMon"
	dbusPath = "/org/packsense/CellMon"
)

type service struct {
	conf *Config
	pack *cellmon.Params
}

func startService(conf *Config, pack *cellmon.Params) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.New("name already taken")
	}

	s := &service{
		conf: conf,
		pack: pack,
	}
	conn.Export(s, dbusPath, dbusName)
	conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable")
	return nil
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
		}},
	}
	return introspect.NewIntrospectable(node)
}

// CellVoltage returns the voltage of one cell in mV, absolute (relative to
// ground) or relative (across the single cell).
func (s service) CellVoltage(cell int, absolute bool) (uint32, *dbus.Error) {
	mu.Lock()
	defer mu.Unlock()
	return monitor.CellVoltage(cell, absolute), nil
}

// NumCells returns how many cells are detected on the balance connector.
func (s service) NumCells() (int, *dbus.Error) {
	mu.Lock()
	defer mu.Unlock()
	cells, err := monitor.NumCells()
	if err != nil {
		return 0, makeDbusError(".NumCells", err)
	}
	return cells, nil
}

// MinCellVoltage returns the weakest cell's voltage in mV.
func (s service) MinCellVoltage() (uint32, *dbus.Error) {
	mu.Lock()
	defer mu.Unlock()
	return monitor.MinCellVoltage(), nil
}

// VRef returns the current reference voltage estimate in mV.
func (s service) VRef() (uint32, *dbus.Error) {
	mu.Lock()
	defer mu.Unlock()
	return monitor.VRef(), nil
}

// Samples returns the sample count of the last gate window.
func (s service) Samples() (uint32, *dbus.Error) {
	mu.Lock()
	defer mu.Unlock()
	return monitor.Samples(), nil
}

// SetGateTime changes the gate window length in milliseconds.
func (s service) SetGateTime(ms uint32) *dbus.Error {
	mu.Lock()
	defer mu.Unlock()
	monitor.SetGateTime(ms)
	return nil
}

// Calibrate derives a new scale factor for one cell from a voltage measured
// externally (in mV) and persists the updated parameter block. It blocks the
// monitor for one gate time.
func (s service) Calibrate(cell int, knownMv uint32) (uint32, *dbus.Error) {
	mu.Lock()
	defer mu.Unlock()

	log.Infof("Calibrating cell %d against %d mV.", cell, knownMv)
	scale, err := monitor.Calibrate(cell, knownMv)
	if err != nil {
		log.Errorf("Calibration failed: %v", err)
		return 0, makeDbusError(".Calibrate", err)
	}
	log.Infof("New scale factor for cell %d: %d", cell, scale)

	if err := params.Save(s.conf.ParamsFile, s.pack, cellmon.DefaultScaleShift); err != nil {
		log.Errorf("Failed to save params: %v", err)
		return scale, makeDbusError(".Calibrate", err)
	}
	return scale, nil
}

func makeDbusError(name string, err error) *dbus.Error {
	return &dbus.Error{
		Name: dbusName + name,
		Body: []interface{}{err.Error()},
	}
}
