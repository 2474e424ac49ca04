// Package scanning holds the value types shared by every stage of a reconpipe
// run and the pure functions that build them from user input and tool output.
//
// # Overview
//
// A run starts from one or more NetworkRange values and a PortRange. The
// discovery sweep writes an nmap-compatible XML report, which ParseReport turns
// into a TargetSet: a deduplicated set of ScanJob values, one per open port.
// Each ScanJob is inspected on its own and produces a Finding.
//
// # Main Components
//
//   - ParseNetworkRange: syntactic IPv4 CIDR or address validation
//   - ParsePortRange: "<low>-<high>" parsing with strict bounds
//   - ParseReport, ParseReportFile: report to TargetSet
//   - DegradedFinding: converts an inspection error into a recorded Finding
//   - ResolveTool, TailBuffer: helpers for running the external tools
//
// # Report Format
//
// Both masscan -oX and nmap -oX produce the same document shape:
//
//	<nmaprun>
//	  <host>
//	    <address addr="10.0.0.1" addrtype="ipv4"/>
//	    <ports>
//	      <port protocol="tcp" portid="22"><state state="open"/></port>
//	    </ports>
//	  </host>
//	</nmaprun>
//
// masscan writes one host element per open port, so the same address appears
// many times; nmap groups every port of a host in one element. ParseReport
// emits one ScanJob per port record in either layout.
//
// # Thread Safety
//
// NetworkRange, PortRange, ScanJob and Finding are immutable values. A
// TargetSet is built by a single goroutine and only read afterwards.
package scanning
