package transport

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/convertful/integrations/internal/models"
)

// XMLRPCMethodHeader marks an xml request as an XML-RPC call. Its value
// is the method name; the header itself is never sent.
const XMLRPCMethodHeader = "X-XmlRpc-Method"

const xmlrpcTimeLayout = "20060102T15:04:05"

// EncodeXMLRPCCall renders a methodCall whose params are the payload
// values in insertion order.
func EncodeXMLRPCCall(method string, data *Payload) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0"?><methodCall><methodName>`)
	_ = xml.EscapeText(&buf, []byte(method))
	buf.WriteString(`</methodName><params>`)
	if data != nil {
		for p := data.Oldest(); p != nil; p = p.Next() {
			buf.WriteString(`<param>`)
			if err := writeXMLRPCValue(&buf, p.Value); err != nil {
				return nil, fmt.Errorf("param %s: %w", p.Key, err)
			}
			buf.WriteString(`</param>`)
		}
	}
	buf.WriteString(`</params></methodCall>`)
	return buf.Bytes(), nil
}

func writeXMLRPCValue(buf *bytes.Buffer, v any) error {
	buf.WriteString(`<value>`)
	defer buf.WriteString(`</value>`)

	switch t := v.(type) {
	case nil:
		buf.WriteString(`<nil/>`)
	case string:
		buf.WriteString(`<string>`)
		_ = xml.EscapeText(buf, []byte(t))
		buf.WriteString(`</string>`)
	case bool:
		if t {
			buf.WriteString(`<boolean>1</boolean>`)
		} else {
			buf.WriteString(`<boolean>0</boolean>`)
		}
	case int, int32, int64:
		buf.WriteString(`<int>` + models.Stringify(t) + `</int>`)
	case float32, float64:
		buf.WriteString(`<double>` + models.Stringify(t) + `</double>`)
	case time.Time:
		buf.WriteString(`<dateTime.iso8601>` + t.Format(xmlrpcTimeLayout) + `</dateTime.iso8601>`)
	case []byte:
		buf.WriteString(`<base64>` + base64.StdEncoding.EncodeToString(t) + `</base64>`)
	default:
		if items, ok := listItems(v); ok {
			buf.WriteString(`<array><data>`)
			for _, item := range items {
				if err := writeXMLRPCValue(buf, item); err != nil {
					return err
				}
			}
			buf.WriteString(`</data></array>`)
			return nil
		}
		if pairs, ok := orderedPairs(v); ok {
			buf.WriteString(`<struct>`)
			for _, p := range pairs {
				buf.WriteString(`<member><name>`)
				_ = xml.EscapeText(buf, []byte(p.key))
				buf.WriteString(`</name>`)
				if err := writeXMLRPCValue(buf, p.value); err != nil {
					return err
				}
				buf.WriteString(`</member>`)
			}
			buf.WriteString(`</struct>`)
			return nil
		}
		return fmt.Errorf("unsupported xml-rpc value of type %T", v)
	}
	return nil
}

// XMLRPCFault is a fault returned by an XML-RPC server.
type XMLRPCFault struct {
	Code   int
	String string
}

func (f *XMLRPCFault) Error() string {
	return fmt.Sprintf("xml-rpc fault %d: %s", f.Code, f.String)
}

type xmlrpcValue struct {
	Inner []byte `xml:",innerxml"`
}

type xmlrpcResponse struct {
	Params []struct {
		Value xmlrpcValue `xml:"value"`
	} `xml:"params>param"`
	Fault *struct {
		Value xmlrpcValue `xml:"value"`
	} `xml:"fault"`
}

// DecodeXMLRPCResponse returns the first param of a methodResponse, or
// an *XMLRPCFault when the server answered with a fault.
func DecodeXMLRPCResponse(body []byte) (any, error) {
	var resp xmlrpcResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.Fault != nil {
		v, err := parseXMLRPCValue(resp.Fault.Value.Inner)
		if err != nil {
			return nil, err
		}
		fault := models.Values{}
		if m, ok := v.(map[string]any); ok {
			fault = m
		}
		code, _ := fault.Int64("faultCode")
		return nil, &XMLRPCFault{Code: int(code), String: fault.String("faultString")}
	}
	if len(resp.Params) == 0 {
		return nil, nil
	}
	return parseXMLRPCValue(resp.Params[0].Value.Inner)
}

func parseXMLRPCValue(inner []byte) (any, error) {
	dec := xml.NewDecoder(bytes.NewReader(inner))
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			// untyped value is a string
			return strings.TrimSpace(text.String()), nil
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return decodeTypedValue(dec, t)
		case xml.CharData:
			text.Write(t)
		}
	}
}

func decodeTypedValue(dec *xml.Decoder, start xml.StartElement) (any, error) {
	switch start.Name.Local {
	case "array":
		var out []any
		for {
			tok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			switch t := tok.(type) {
			case xml.StartElement:
				if t.Name.Local == "value" {
					v, err := decodeValueElement(dec)
					if err != nil {
						return nil, err
					}
					out = append(out, v)
				}
			case xml.EndElement:
				if t.Name.Local == "array" {
					if out == nil {
						out = []any{}
					}
					return out, nil
				}
			}
		}
	case "struct":
		out := map[string]any{}
		var name string
		for {
			tok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			switch t := tok.(type) {
			case xml.StartElement:
				switch t.Name.Local {
				case "name":
					var s string
					if err := dec.DecodeElement(&s, &t); err != nil {
						return nil, err
					}
					name = strings.TrimSpace(s)
				case "value":
					v, err := decodeValueElement(dec)
					if err != nil {
						return nil, err
					}
					out[name] = v
				}
			case xml.EndElement:
				if t.Name.Local == "struct" {
					return out, nil
				}
			}
		}
	case "nil":
		if err := dec.Skip(); err != nil {
			return nil, err
		}
		return nil, nil
	default:
		var s string
		if err := dec.DecodeElement(&s, &start); err != nil {
			return nil, err
		}
		return scalarXMLRPC(start.Name.Local, s)
	}
}

// decodeValueElement reads the content of a <value> whose start tag was consumed.
func decodeValueElement(dec *xml.Decoder) (any, error) {
	var text strings.Builder
	var result any
	typed := false
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			v, err := decodeTypedValue(dec, t)
			if err != nil {
				return nil, err
			}
			result = v
			typed = true
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if typed {
				return result, nil
			}
			return strings.TrimSpace(text.String()), nil
		}
	}
}

func scalarXMLRPC(kind, s string) (any, error) {
	s = strings.TrimSpace(s)
	switch kind {
	case "int", "i4", "i8":
		return strconv.ParseInt(s, 10, 64)
	case "boolean":
		return s == "1" || strings.EqualFold(s, "true"), nil
	case "double":
		return strconv.ParseFloat(s, 64)
	case "dateTime.iso8601":
		t, err := time.Parse(xmlrpcTimeLayout, s)
		if err != nil {
			return s, nil
		}
		return t, nil
	case "base64":
		return base64.StdEncoding.DecodeString(s)
	default:
		return s, nil
	}
}
