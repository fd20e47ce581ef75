package kclmtr

import (
	"strings"

	"github.com/shaunagostinho/kclmtr/internal/calib"
	"github.com/shaunagostinho/kclmtr/internal/errmask"
	"github.com/shaunagostinho/kclmtr/internal/protocol"
)

// CalFileList returns the device's calibration files, the factory file
// first. Empty slots are named Blank.
func (d *Device) CalFileList() []CalFile {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]CalFile(nil), d.calList...)
}

func (d *Device) setCalList(l []CalFile) {
	d.mu.Lock()
	d.calList = l
	d.mu.Unlock()
}

func (d *Device) calEntry(id int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id < 0 || id >= len(d.calList) {
		return ""
	}
	return d.calList[id].Name
}

// parseCalList decodes a D7 reply: 96 names of 20 bytes after the echo.
func parseCalList(b []byte) []CalFile {
	l := make([]CalFile, 0, listEntries+1)
	l = append(l, CalFile{ID: 0, Name: FactoryCalName})
	for i := 1; i <= listEntries; i++ {
		off := 2 + (i-1)*listEntryLen
		if off+listEntryLen > len(b) {
			break
		}
		entry := b[off : off+listEntryLen]
		name := BlankCalName
		if !calib.IsBlankName(entry) {
			name = strings.TrimSpace(string(entry))
		}
		l = append(l, CalFile{ID: i, Name: name})
	}
	return l
}

// SetCalFile loads calibration file id from the device. Id 0, blank slots
// and ids past the list select the factory calibration.
func (d *Device) SetCalFile(id int) errmask.Mask {
	if id < 0 || id > listEntries {
		id = 0
	}
	name := d.calEntry(id)
	if id == 0 || name == "" || name == BlankCalName || name == FactoryCalName {
		d.loadCal(0, FactoryCalName, calib.Identity)
		return errmask.None
	}

	b, m := d.send(protocol.CalFileIncoming)
	if m != errmask.None {
		return m
	}
	if string(b) != protocol.CalFileIncoming.Text {
		return errmask.BadValues
	}
	b, m = d.sendText(string([]byte{byte(id)}), 2, calFileReply)
	if m != errmask.None {
		return m
	}
	matrix, m := calib.ParseUserMatrix(b)
	if m != errmask.None {
		return m
	}
	d.loadCal(id, name, matrix)
	d.log.Infof("loaded cal file %d %q", id, name)
	return errmask.None
}

func (d *Device) loadCal(id int, name string, m calib.Matrix3) {
	d.mu.Lock()
	d.calID = id
	d.calName = name
	d.cal = m
	d.mu.Unlock()
}

// CalFileID returns the loaded calibration file, 0 for factory or temporary.
func (d *Device) CalFileID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calID
}

// CalFileName returns the name of the loaded calibration file.
func (d *Device) CalFileName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calName
}

// CalMatrix returns the color matrix applied to every reading.
func (d *Device) CalMatrix() calib.Matrix3 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cal
}

// SetTempCalFile applies m without storing it on the device. A singular
// matrix is refused with CalWhiteRGB and the current calibration stays.
func (d *Device) SetTempCalFile(m calib.Matrix3) errmask.Mask {
	if m.Singular() {
		return errmask.CalWhiteRGB
	}
	d.loadCal(0, TemporaryCalName, m)
	return errmask.None
}

// StoreCalFile writes a color matrix to slot id (1..96) and refreshes the
// list.
func (d *Device) StoreCalFile(id int, name string, m calib.Matrix3) errmask.Mask {
	if m.Singular() {
		return errmask.CalWhiteRGB
	}
	block, mask := calib.PackUserMatrix(name, m)
	if mask != errmask.None {
		return mask
	}
	return d.writeCalSlot(id, block)
}

// DeleteCalFile erases slot id. The factory calibration is selected first
// when the slot is loaded.
func (d *Device) DeleteCalFile(id int) errmask.Mask {
	if d.CalFileID() == id {
		d.SetCalFile(0)
	}
	return d.writeCalSlot(id, calib.BlankUserMatrix())
}

func (d *Device) writeCalSlot(id int, block []byte) errmask.Mask {
	if id < 1 || id > listEntries {
		return errmask.CalStoring
	}
	b, m := d.send(protocol.CalFileSaving)
	if m != errmask.None {
		return m
	}
	if string(b) != protocol.CalFileSaving.Text {
		return errmask.CalStoring
	}

	frame := make([]byte, 0, len(block)+6)
	frame = append(frame, "MAT"...)
	frame = append(frame, byte(id), '(')
	frame = append(frame, block...)
	frame = append(frame, ')')
	b, m = d.sendText(string(frame), 5, 3)
	if m != errmask.None {
		return m
	}
	if string(b) == "<e>" {
		return errmask.CalStoring
	}

	b, m = d.send(protocol.CalFileList)
	if m != errmask.None {
		return m
	}
	d.setCalList(parseCalList(b))
	return errmask.None
}
