package channel

import (
	"fmt"
	"sort"

	bugst "go.bug.st/serial"
)

// ListPorts возвращает последовательные порты, видимые в системе (для -list-ports)
func ListPorts() ([]string, error) {
	ports, err := bugst.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}
