// Package netstat implements best-effort TCP listener discovery by
// parsing /proc/net/tcp{,6} and cross-referencing /proc/*/fd. It is
// consulted only when the operator hasn't passed -p and the config
// file has no [autobahn] port.
package netstat

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// tcpListen is the /proc/net/tcp "st" field value for a LISTEN-state
// socket.
const tcpListen = 10

// Listener is one TCP listener discovered on the host.
type Listener struct {
	Addr        net.IP
	Port        uint16
	Inode       string
	ProcessPID  int
	ProcessName string
}

// DetectListeners returns every LISTEN-state TCP (v4 and v6) socket
// bound to a loopback or unspecified address, with owning-process info
// resolved where possible. A socket whose owning process can't be
// resolved is still returned (ProcessPID == 0).
func DetectListeners() ([]Listener, error) {
	var out []Listener
	for _, path := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		entries, err := parseSockTab(path)
		if err != nil {
			// A missing/unreadable table contributes nothing rather
			// than aborting detection.
			continue
		}
		out = append(out, entries...)
	}

	procs := scanFDOwners()
	for i := range out {
		if p, ok := procs[out[i].Inode]; ok {
			out[i].ProcessPID = p.pid
			out[i].ProcessName = p.name
		}
	}
	return out, nil
}

func parseSockTab(path string) ([]Listener, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Listener
	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 10 {
			continue
		}

		ip, port, err := parseHexAddr(fields[1])
		if err != nil {
			continue
		}
		state, err := strconv.ParseUint(fields[3], 16, 8)
		if err != nil {
			continue
		}
		if uint8(state) != tcpListen {
			continue
		}
		if !(ip.IsLoopback() || ip.IsUnspecified()) {
			continue
		}

		out = append(out, Listener{
			Addr:  ip,
			Port:  port,
			Inode: fields[9],
		})
	}
	return out, scanner.Err()
}

// parseHexAddr parses the "IP:PORT" hex pairs /proc/net/tcp{,6} use:
// little-endian bytes for IPv4, four little-endian u32 words for IPv6.
func parseHexAddr(field string) (net.IP, uint16, error) {
	parts := strings.SplitN(field, ":", 2)
	if len(parts) != 2 {
		return nil, 0, fmt.Errorf("netstat: malformed address field %q", field)
	}
	hexIP, hexPort := parts[0], parts[1]

	port, err := strconv.ParseUint(hexPort, 16, 16)
	if err != nil {
		return nil, 0, err
	}

	switch len(hexIP) {
	case 8: // IPv4: 4 little-endian bytes
		raw, err := strconv.ParseUint(hexIP, 16, 32)
		if err != nil {
			return nil, 0, err
		}
		ip := net.IPv4(byte(raw), byte(raw>>8), byte(raw>>16), byte(raw>>24))
		return ip, uint16(port), nil
	case 32: // IPv6: 4 little-endian u32 words
		b := make([]byte, 16)
		for w := 0; w < 4; w++ {
			word, err := strconv.ParseUint(hexIP[w*8:w*8+8], 16, 32)
			if err != nil {
				return nil, 0, err
			}
			b[w*4+0] = byte(word)
			b[w*4+1] = byte(word >> 8)
			b[w*4+2] = byte(word >> 16)
			b[w*4+3] = byte(word >> 24)
		}
		return net.IP(b), uint16(port), nil
	default:
		return nil, 0, fmt.Errorf("netstat: unexpected address length %d", len(hexIP))
	}
}

type procInfo struct {
	pid  int
	name string
}

// scanFDOwners walks /proc/*/fd looking for "socket:[inode]" symlinks
// and reads the owning process's comm name from /proc/<pid>/stat.
func scanFDOwners() map[string]procInfo {
	out := make(map[string]procInfo)

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return out
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}

		fdDir := filepath.Join("/proc", e.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}

		var name string
		for _, fd := range fds {
			target, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			inode, ok := socketInode(target)
			if !ok {
				continue
			}
			if name == "" {
				name = readCommName(pid)
			}
			out[inode] = procInfo{pid: pid, name: name}
		}
	}
	return out
}

func socketInode(linkTarget string) (string, bool) {
	const prefix, suffix = "socket:[", "]"
	if !strings.HasPrefix(linkTarget, prefix) || !strings.HasSuffix(linkTarget, suffix) {
		return "", false
	}
	return linkTarget[len(prefix) : len(linkTarget)-len(suffix)], true
}

// readCommName extracts the process name from /proc/<pid>/stat's
// parenthesized second field.
func readCommName(pid int) string {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return ""
	}
	s := string(data)
	open, close := strings.IndexByte(s, '('), strings.LastIndexByte(s, ')')
	if open < 0 || close < 0 || close <= open {
		return ""
	}
	return s[open+1 : close]
}
