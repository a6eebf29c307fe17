package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// appendCSV appends one reading to the log file:
// timestamp, vref, samples, cell count (-1 on a pack fault), then one
// relative voltage per channel, all in mV.
func appendCSV(filePath string, r reading) error {
	file, err := os.OpenFile(filePath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return err
	}

	cells := r.numCell
	if r.fault {
		cells = -1
	}
	fields := []string{
		r.time.Format("2006-01-02 15:04:05"),
		strconv.FormatUint(uint64(r.vrefMv), 10),
		strconv.FormatUint(uint64(r.samples), 10),
		strconv.Itoa(cells),
	}
	for _, mv := range r.cellsMv {
		fields = append(fields, strconv.FormatUint(uint64(mv), 10))
	}

	_, err = file.WriteString(strings.Join(fields, ", ") + "\n")
	if err != nil {
		return err
	}
	return file.Close()
}

// keepLastLines keeps the last `maxLines` lines of the specified file.
func keepLastLines(filePath string, maxLines int) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil
	}
	tmpFile := filepath.Join(os.TempDir(), filepath.Base(filePath)+".tmp")
	err := os.Remove(tmpFile)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	commands := []string{"sh", "-c", fmt.Sprintf("tail -n %d %s > %s", maxLines, filePath, tmpFile)}
	cmd := exec.Command(commands[0], commands[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("err running '%s', %v, %v", strings.Join(commands, " "), string(out), err)
	}
	return os.Rename(tmpFile, filePath)
}
