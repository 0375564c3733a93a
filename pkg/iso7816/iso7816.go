/*
Package iso7816 implements the APDU layer of ISO/IEC 7816-3 and 7816-4 for both sides
of the link.

A host builds a CommandAPDU, encodes it with Bytes and parses the ResponseAPDU. A card
receives raw bytes, recovers the command layout with DetectCase (or ParseCommandAPDU)
and answers with data followed by a Status Word.

# Fundamentals

The communication with a smart card is strictly synchronous:
 1. The Host sends a Command APDU (Header + Optional Body).
 2. The Card processes it and returns a Response APDU (Optional Body + Trailer SW1/SW2).

# Command Cases

The body layout is never announced explicitly. It is inferred from the total length
and the byte at index 4:

	Case 1   CLA INS P1 P2
	Case 2   CLA INS P1 P2 Le
	Case 3   CLA INS P1 P2 Lc Data
	Case 4   CLA INS P1 P2 Lc Data Le
	Case 2E  CLA INS P1 P2 00 Le Le
	Case 3E  CLA INS P1 P2 00 Lc Lc Data
	Case 4E  CLA INS P1 P2 00 Lc Lc Data Le Le

# Status Words

Every response ends with a 2-byte Status Word (SW).
  - 0x9000: Success (OK).
  - 0x61XX: Success, but response data is still available (XX bytes).
  - 0x6CXX: Error, wrong length expectation (XX is the correct length).
  - Other: Various error conditions. StatusError carries one through an error return.

# File Selection and FCI

ParseFileInfo decodes the answer to a SELECT according to the selection control of P2:

  - FCP (File Control Parameters) - Tag '62'
  - FMD (File Management Data) - Tag '64'
  - FCI (File Control Information) - Tag '6F', holding either of the above or their tags

# Usage Example: Selecting an Application

	client := iso7816.NewClient(card)
	trace, err := client.Send(iso7816.SelectByAID(cla, aid))
	if err != nil {
	    log.Fatal(err)
	}

	last := trace.Last()
	if last.IsSuccess() {
	    info, err := iso7816.ParseFileInfo(last.Response.Data, iso7816.ReturnFCI)
	    ...
	}
*/
package iso7816
