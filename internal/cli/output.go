package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/lydakis/ue5relay/internal/ipc"
	"github.com/lydakis/ue5relay/internal/relay"
)

func decodeState(data []byte) (relay.State, error) {
	var st relay.State
	if err := json.Unmarshal(data, &st); err != nil {
		return st, &exitError{code: ipc.ExitInternal, msg: fmt.Sprintf("ue5relay: decoding daemon state: %v", err)}
	}
	return st, nil
}

func printState(out io.Writer, data []byte, asJSON bool) error {
	if asJSON {
		_, err := out.Write(data)
		return err
	}
	st, err := decodeState(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "cloud:  %s\n", st.Cloud)
	if st.UE5 == relay.StatusConnected {
		fmt.Fprintf(out, "ue5:    %s (%s:%d, %d tools)\n", st.UE5, st.MCPHost, st.MCPPort, st.AvailableTools)
	} else {
		fmt.Fprintf(out, "ue5:    %s (%s:%d)\n", st.UE5, st.MCPHost, st.MCPPort)
	}
	if st.LastError != "" {
		fmt.Fprintf(out, "error:  %s\n", st.LastError)
	}
	return nil
}

func printWatchLine(out io.Writer, st relay.State, asJSON bool) error {
	if asJSON {
		compact, err := json.Marshal(st)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s\n", compact)
		return err
	}
	line := fmt.Sprintf("%s cloud=%s ue5=%s tools=%d", time.Now().Format("15:04:05"), st.Cloud, st.UE5, st.AvailableTools)
	if st.LastError != "" {
		line += fmt.Sprintf(" error=%q", st.LastError)
	}
	_, err := fmt.Fprintln(out, line)
	return err
}
